package eligibility

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"colldialer/internal/bucket"
	"colldialer/internal/database"
	"colldialer/internal/errs"
	"colldialer/internal/models"
	"colldialer/internal/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jakarta = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		panic(err)
	}
	return loc
}()

func asOf() time.Time {
	return time.Date(2024, 3, 20, 5, 0, 0, 0, jakarta)
}

func setupDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "eligibility.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func dialerFor(t *testing.T, name string, groups ...string) *settings.Dialer {
	t.Helper()
	desc, err := bucket.Parse(name)
	require.NoError(t, err)
	return &settings.Dialer{
		Bucket:        desc,
		Location:      jakarta,
		Ineffective:   settings.Ineffective{ConsecutiveDays: 3, LookbackDays: 7, RefreshDays: 14},
		ExcludeGroups: groups,
	}
}

func seed(t *testing.T, db *database.DB, accountID int64, due string, phones ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.UpsertAccount(ctx, &models.Account{ID: accountID, NameToken: "n", VAToken: "v", Phones: phones}))
	require.NoError(t, db.UpsertAccountPayment(ctx, &models.AccountPayment{
		ID: accountID * 10, AccountID: accountID, DueDate: due, DueAmount: 100, Outstanding: 1000,
	}))
}

func seedScenario(t *testing.T, db *database.DB) {
	ctx := context.Background()
	for id := int64(1); id <= 6; id++ {
		seed(t, db, id, "2024-03-15", "08120000000"+string(rune('0'+id)))
	}
	seed(t, db, 7, "2024-03-01", "081200000007")
	seed(t, db, 8, "2024-03-15")

	require.NoError(t, db.AddPTP(ctx, 20, 2, "2024-03-22", "active", "2024-03-18"))
	require.NoError(t, db.AddBlacklist(ctx, 3, nil))
	require.NoError(t, db.SetAutodebet(ctx, 3, true))
	require.NoError(t, db.SetAutodebet(ctx, 4, true))
	require.NoError(t, db.AddRefinancing(ctx, 5, "requested", "2024-03-25"))
	for _, d := range []string{"2024-03-17", "2024-03-18", "2024-03-19"} {
		require.NoError(t, db.AddContactAttempt(ctx, models.ContactAttempt{AccountID: 6, PhoneNumber: "081200000006", CallDate: d}))
	}
}

func TestComputeEligibleOrderedExclusions(t *testing.T) {
	db := setupDB(t)
	seedScenario(t, db)
	engine := NewEngine(db, 2, nil)

	res, err := engine.ComputeEligible(context.Background(), dialerFor(t, "b1"), asOf())
	require.NoError(t, err)

	assert.Equal(t, "2024-03-20", res.Day)
	assert.Equal(t, 7, res.Total)
	assert.Equal(t, []int64{10}, res.IDs())
	assert.Equal(t, 5, res.Eligible[0].DPD)
	assert.Equal(t, map[int64]models.ExclusionReason{
		20: models.ReasonActivePTP,
		30: models.ReasonBlacklist,
		40: models.ReasonAutodebet,
		50: models.ReasonPendingRefinancing,
		60: models.ReasonIneffectivePhone,
		80: models.ReasonIneffectivePhone,
	}, res.Excluded)

	summary, err := db.NotSentSummary(context.Background(), "b1", "2024-03-20")
	require.NoError(t, err)
	assert.Equal(t, 2, summary[models.ReasonIneffectivePhone])
	assert.Equal(t, 1, summary[models.ReasonBlacklist])
	assert.Equal(t, 1, summary[models.ReasonAutodebet])
}

func TestComputeEligibleIsIdempotent(t *testing.T) {
	db := setupDB(t)
	seedScenario(t, db)
	engine := NewEngine(db, 0, nil)
	ctx := context.Background()

	first, err := engine.ComputeEligible(ctx, dialerFor(t, "b1"), asOf())
	require.NoError(t, err)
	second, err := engine.ComputeEligible(ctx, dialerFor(t, "b1"), asOf())
	require.NoError(t, err)

	assert.Equal(t, first.IDs(), second.IDs())
	assert.Equal(t, first.Excluded, second.Excluded)

	records, err := db.NotSentRecords(ctx, "b1", "2024-03-20")
	require.NoError(t, err)
	assert.Len(t, records, len(first.Excluded))
}

func TestBlacklistWinsOverAutodebet(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	seed(t, db, 3, "2024-03-15", "081200000003")
	require.NoError(t, db.AddBlacklist(ctx, 3, nil))
	require.NoError(t, db.SetAutodebet(ctx, 3, true))

	res, err := NewEngine(db, 0, nil).ComputeEligible(ctx, dialerFor(t, "b1"), asOf())
	require.NoError(t, err)
	assert.Empty(t, res.Eligible)

	records, err := db.NotSentRecords(ctx, "b1", "2024-03-20")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.ReasonBlacklist, records[0].Reason)
}

func TestExperimentCarveOut(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	seed(t, db, 1, "2024-03-15", "081200000001")
	seed(t, db, 2, "2024-03-15", "081200000002")
	require.NoError(t, db.SetExperimentGroup(ctx, 1, "bttc", "control"))
	require.NoError(t, db.SetExperimentGroup(ctx, 2, "bttc", "treatment"))

	engine := NewEngine(db, 0, nil)
	res, err := engine.ComputeEligible(ctx, dialerFor(t, "b1-bttc-a", "control"), asOf())
	require.NoError(t, err)
	assert.Equal(t, []int64{20}, res.IDs())
	assert.Equal(t, models.ReasonExperiment, res.Excluded[10])

	assert.Len(t, engine.Filters(dialerFor(t, "b1")), 5)
	assert.Len(t, engine.Filters(dialerFor(t, "b1-bttc-a", "control")), 6)
}

func TestEmptyPopulation(t *testing.T) {
	db := setupDB(t)
	res, err := NewEngine(db, 0, nil).ComputeEligible(context.Background(), dialerFor(t, "b6"), asOf())
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.Empty(t, res.Eligible)
	assert.Empty(t, res.Excluded)
}

type brokenBlacklist struct {
	*database.DB
}

func (brokenBlacklist) Blacklisted(context.Context, []int64, string) (map[int64]bool, error) {
	return nil, errors.New("no such table: dialer_blacklist")
}

func TestFilterErrorAbortsRun(t *testing.T) {
	db := setupDB(t)
	seedScenario(t, db)

	_, err := NewEngine(brokenBlacklist{db}, 0, nil).ComputeEligible(context.Background(), dialerFor(t, "b1"), asOf())
	require.Error(t, err)
	assert.Equal(t, errs.KindTransient, errs.KindOf(err))
	assert.Contains(t, err.Error(), "blocked by blacklist")
}

func TestDueWindow(t *testing.T) {
	from, to := DueWindow(dialerFor(t, "b1"), asOf())
	assert.Equal(t, "2024-03-10", from)
	assert.Equal(t, "2024-03-19", to)

	from, to = DueWindow(dialerFor(t, "b6"), asOf())
	assert.Equal(t, oldestDue, from)
	assert.Equal(t, "2023-09-21", to)
}
