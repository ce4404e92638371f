package construction

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"colldialer/internal/bucket"
	"colldialer/internal/database"
	"colldialer/internal/eligibility"
	"colldialer/internal/errs"
	"colldialer/internal/models"
	"colldialer/internal/repository"
	"colldialer/internal/settings"
	"colldialer/internal/tracker"

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

var asOf = time.Date(2024, 3, 20, 5, 0, 0, 0, jakarta)

type fakeVault struct {
	mu      sync.Mutex
	missing map[string]bool
	err     error
	calls   int
}

func (f *fakeVault) Detokenize(_ context.Context, tokens []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string)
	for _, t := range tokens {
		if t != "" && !f.missing[t] {
			out[t] = "clear-" + t
		}
	}
	return out, nil
}

type fixture struct {
	db      *database.DB
	vault   *fakeVault
	builder *Builder
	tracker *tracker.Tracker
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "construction.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	vault := &fakeVault{missing: map[string]bool{}}
	tr := tracker.New(db, "", nil)
	locks := repository.NewDailyLocks(repository.NewMemoryCoordinator(), jakarta, 21, 0)
	b := NewBuilder(db, vault, eligibility.NewEngine(db, 0, nil), tr, locks, nil)
	return &fixture{db: db, vault: vault, builder: b, tracker: tr}
}

func dialer(t *testing.T, name string, fraction float64) *settings.Dialer {
	t.Helper()
	desc, err := bucket.Parse(name)
	require.NoError(t, err)
	return &settings.Dialer{
		Bucket:          desc,
		Location:        jakarta,
		Ineffective:     settings.Ineffective{ConsecutiveDays: 3, LookbackDays: 7, RefreshDays: 14},
		VendorFraction:  fraction,
		DistributionDay: 1,
	}
}

func (f *fixture) seed(t *testing.T, accountID int64, due string, outstanding int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.UpsertAccount(ctx, &models.Account{
		ID:        accountID,
		NameToken: fmt.Sprintf("name-%d", accountID),
		VAToken:   fmt.Sprintf("va-%d", accountID),
		Phones:    []string{fmt.Sprintf("0812%08d", accountID), fmt.Sprintf("0813%08d", accountID)},
	}))
	require.NoError(t, f.db.UpsertAccountPayment(ctx, &models.AccountPayment{
		ID: accountID * 10, AccountID: accountID, DueDate: due, DueAmount: 100, Outstanding: outstanding,
	}))
}

func TestRunBuildsRankedRows(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, 1, "2024-03-17", 100)
	f.seed(t, 2, "2024-03-12", 100)
	f.seed(t, 3, "2024-03-17", 900)
	f.seed(t, 4, "2024-03-17", 500)
	f.vault.missing["va-4"] = true
	for _, d := range []string{"2024-03-17", "2024-03-18", "2024-03-19"} {
		require.NoError(t, f.db.AddContactAttempt(ctx, models.ContactAttempt{AccountID: 3, PhoneNumber: "081200000003", CallDate: d}))
	}

	out, err := f.builder.Run(ctx, dialer(t, "b1", 0), asOf)
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Equal(t, 4, out.Eligible)
	assert.Equal(t, 3, out.Rows)

	rows, err := f.db.PayloadRows(ctx, "b1", "2024-03-20")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []int64{20, 30, 10}, []int64{rows[0].AccountPaymentID, rows[1].AccountPaymentID, rows[2].AccountPaymentID})
	assert.Equal(t, []int{1, 2, 3}, []int{rows[0].SortOrder, rows[1].SortOrder, rows[2].SortOrder})
	assert.Equal(t, "clear-name-2", rows[0].CustomerName)
	assert.Equal(t, "******va-2", rows[0].MaskedVA)
	// the suppressed number of account 3 is dropped, the other one stays
	assert.Equal(t, []string{"6281300000003"}, rows[1].Phones)
	assert.Equal(t, models.TrackInHouse, rows[0].Track)

	records, err := f.db.NotSentRecords(ctx, "b1", "2024-03-20")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(40), records[0].AccountPaymentID)
	assert.Equal(t, models.ReasonIneffectivePhone, records[0].Reason)

	view, err := f.tracker.View(ctx, out.DialerTaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, view.Status)
	n, _ := view.Count(models.TaskStatusSuccess)
	assert.Equal(t, int64(3), n)
}

func TestRunIsAtMostOncePerDay(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for id := int64(1); id <= 5; id++ {
		f.seed(t, id, "2024-03-15", 100)
	}

	d := dialer(t, "b1", 0)
	var wg sync.WaitGroup
	results := make(chan *Outcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.builder.Run(ctx, d, asOf)
			assert.NoError(t, err)
			results <- out
		}()
	}
	wg.Wait()
	close(results)

	built := 0
	for out := range results {
		if out != nil && !out.Skipped {
			built++
		}
	}
	assert.Equal(t, 1, built)

	again, err := f.builder.Run(ctx, d, asOf)
	require.NoError(t, err)
	assert.True(t, again.Skipped)

	n, err := f.db.CountPayloadRows(ctx, "b1", "2024-03-20")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 1, f.vault.calls)
}

func TestRunWithNothingEligible(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, 1, "2024-03-15", 100)
	require.NoError(t, f.db.SetAutodebet(ctx, 1, true))

	out, err := f.builder.Run(ctx, dialer(t, "b1", 0), asOf)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, "no data after exclusions", out.Reason)

	view, err := f.tracker.View(ctx, out.DialerTaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSkipped, view.Status)
}

func TestRunFailureReleasesLock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, 1, "2024-03-15", 100)
	f.vault.err = errs.Transient(errors.New("vault unavailable"))

	_, err := f.builder.Run(ctx, dialer(t, "b1", 0), asOf)
	require.Error(t, err)
	assert.Equal(t, errs.KindTransient, errs.KindOf(err))

	task, err := f.tracker.Find(ctx, models.WorkConstruct, "b1", "2024-03-20")
	require.NoError(t, err)
	view, err := f.tracker.View(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRetrying, view.Status)

	f.vault.err = nil
	out, err := f.builder.Run(ctx, dialer(t, "b1", 0), asOf)
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Equal(t, 1, out.Rows)
}

func TestRunResumesTaskLeftQueried(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, 1, "2024-03-15", 100)

	task, err := f.tracker.Open(ctx, models.WorkConstruct, "b1", "2024-03-20")
	require.NoError(t, err)
	require.NoError(t, f.tracker.Transition(ctx, task.ID, models.TaskStatusQuerying, nil, nil))
	require.NoError(t, f.tracker.Transition(ctx, task.ID, models.TaskStatusQueried, tracker.Int64(1), nil))

	out, err := f.builder.Run(ctx, dialer(t, "b1", 0), asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Rows)

	view, err := f.tracker.View(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, view.Status)
	assert.True(t, view.Has(models.TaskStatusRetrying))
}

func TestRecoveryBucketDivertsToVendor(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for id := int64(1); id <= 4; id++ {
		f.seed(t, id, "2023-09-01", id*100)
	}

	out, err := f.builder.Run(ctx, dialer(t, "b6", 0.25), asOf)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Rows)

	rows, err := f.db.PayloadRows(ctx, "b6", "2024-03-20")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	// equal dpd, no signals: highest outstanding first; the lowest-ranked account goes to the vendor
	assert.Equal(t, int64(40), rows[0].AccountPaymentID)
	assert.Equal(t, int64(20), rows[2].AccountPaymentID)

	tracks, err := f.db.DistributionAssignments(ctx, "2024-03", []int64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, models.TrackVendor, tracks[1])
	assert.Equal(t, models.TrackInHouse, tracks[4])

	records, err := f.db.NotSentRecords(ctx, "b6", "2024-03-20")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.ReasonVendorTrack, records[0].Reason)

	// a re-construction within the same cycle keeps the assignment
	n, err := f.builder.Construct(ctx, dialer(t, "b6", 0.25), asOf.AddDate(0, 0, 1), []int64{10, 20, 30, 40})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
