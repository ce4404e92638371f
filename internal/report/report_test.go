package report

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"colldialer/internal/database"
	"colldialer/internal/models"
	"colldialer/internal/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fakeCounter map[string][2]int

func (f fakeCounter) Totals(_ context.Context, rt models.RemoteTask, _ *time.Location) (int, int, error) {
	c, ok := f[rt.TaskID]
	if !ok {
		return 0, 0, errors.New("vendor unavailable")
	}
	return c[0], c[1], nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, _ string) (*settings.Dialer, error) {
	return &settings.Dialer{DiscrepancyThreshold: 0.01}, nil
}

func (fakeResolver) Buckets() []string { return []string{"b1", "b2"} }

func (fakeResolver) Location() *time.Location { return time.UTC }

func seed(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "report.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, rt := range []models.RemoteTask{
		{TaskID: "T-2", BucketName: "b1", Day: "2024-03-20", Page: 2, RowCount: 50},
		{TaskID: "T-1", BucketName: "b1", Day: "2024-03-20", Page: 1, RowCount: 100},
		{TaskID: "T-3", BucketName: "b3", Day: "2024-03-20", Page: 1, RowCount: 10},
	} {
		rt := rt
		require.NoError(t, db.InsertRemoteTask(ctx, &rt))
	}
	require.NoError(t, db.InsertNotSent(ctx, []models.NotSentRecord{
		{AccountPaymentID: 1, BucketName: "b1", Day: "2024-03-20", Reason: models.ReasonActivePTP},
		{AccountPaymentID: 2, BucketName: "b1", Day: "2024-03-20", Reason: models.ReasonActivePTP},
		{AccountPaymentID: 3, BucketName: "b1", Day: "2024-03-20", Reason: models.ReasonBlacklist},
		{AccountPaymentID: 4, BucketName: "b2", Day: "2024-03-20", Reason: models.ReasonAlreadySent},
		{AccountPaymentID: 5, BucketName: "b2", Day: "2024-03-19", Reason: models.ReasonAlreadySent},
	}))

	_, _, err = db.EnsureDialerTask(ctx, models.WorkConstruct, "b1", "2024-03-20", models.VendorIntelix)
	require.NoError(t, err)
	_, _, err = db.EnsureDialerTask(ctx, models.WorkUpload, "b1", "2024-03-20", models.VendorIntelix)
	require.NoError(t, err)

	start := time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)
	_, err = db.UpsertCallResults(ctx, []models.CallResult{
		{CallID: "c1", RemoteTaskID: "T-1", StartAt: start, TalkResult: "CONNECTED"},
		{CallID: "c2", RemoteTaskID: "T-1", StartAt: start.Add(time.Minute), TalkResult: "NO_ANSWER"},
		{CallID: "c3", RemoteTaskID: "T-2", StartAt: start.Add(2 * time.Minute), TalkResult: "CONNECTED"},
		{CallID: "c4", RemoteTaskID: "T-9", StartAt: start.Add(3 * time.Minute)},
		{CallID: "c5", RemoteTaskID: "T-1", StartAt: start.AddDate(0, 0, 1), TalkResult: "CONNECTED"},
	})
	require.NoError(t, err)
	return db
}

func TestTaskRows(t *testing.T) {
	db := seed(t)
	r := NewReporter(db, fakeCounter{"T-1": {100, 100}, "T-2": {50, 40}}, fakeResolver{}, t.TempDir(), nil)

	rows, err := r.TaskRows(context.Background(), "2024-03-20")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "T-1", rows[0].Task.TaskID)
	assert.False(t, rows[0].Discrepant)
	assert.Equal(t, "T-2", rows[1].Task.TaskID)
	assert.True(t, rows[1].Discrepant)
	assert.Equal(t, "T-3", rows[2].Task.TaskID)
	assert.Error(t, rows[2].Err)
	assert.False(t, rows[2].Discrepant)
}

func TestExclusionRows(t *testing.T) {
	db := seed(t)
	r := NewReporter(db, fakeCounter{}, fakeResolver{}, t.TempDir(), nil)

	rows, err := r.ExclusionRows(context.Background(), "2024-03-20", nil)
	require.NoError(t, err)
	assert.Equal(t, []ExclusionRow{
		{Bucket: "b1", Reason: models.ReasonActivePTP, Count: 2},
		{Bucket: "b1", Reason: models.ReasonBlacklist, Count: 1},
		{Bucket: "b2", Reason: models.ReasonAlreadySent, Count: 1},
	}, rows)
}

func TestOutcomeRows(t *testing.T) {
	db := seed(t)
	r := NewReporter(db, fakeCounter{}, fakeResolver{}, t.TempDir(), nil)
	ctx := context.Background()

	tasks, err := r.TaskRows(ctx, "2024-03-20")
	require.NoError(t, err)
	rows, err := r.OutcomeRows(ctx, "2024-03-20", tasks)
	require.NoError(t, err)
	assert.Equal(t, []OutcomeRow{
		{Bucket: "T-9", TalkResult: noTalkResult, Calls: 1},
		{Bucket: "b1", TalkResult: "CONNECTED", Calls: 2},
		{Bucket: "b1", TalkResult: "NO_ANSWER", Calls: 1},
	}, rows)

	_, err = r.OutcomeRows(ctx, "20-03-2024", tasks)
	assert.Error(t, err)
}

func TestWrite(t *testing.T) {
	db := seed(t)
	dir := filepath.Join(t.TempDir(), "out")
	r := NewReporter(db, fakeCounter{"T-1": {100, 100}, "T-2": {50, 40}}, fakeResolver{}, dir, nil)

	path, err := r.Write(context.Background(), "2024-03-20")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "dialer_report_2024-03-20.xlsx"), path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetRemoteTasks, SheetExclusions, SheetDialerTasks, SheetCallOutcomes}, f.GetSheetList())

	taskRows, err := f.GetRows(SheetRemoteTasks)
	require.NoError(t, err)
	require.Len(t, taskRows, 5)
	assert.Equal(t, []string{"b1", "2", "T-2", "50", "50", "40", "yes"}, taskRows[3])
	assert.Equal(t, "error", taskRows[4][4])

	exclusionRows, err := f.GetRows(SheetExclusions)
	require.NoError(t, err)
	require.Len(t, exclusionRows, 5)
	assert.Equal(t, []string{"b1", string(models.ReasonActivePTP), "2"}, exclusionRows[2])

	taskSheet, err := f.GetRows(SheetDialerTasks)
	require.NoError(t, err)
	require.Len(t, taskSheet, 4)
	assert.Equal(t, []string{"b1", models.WorkConstruct, models.VendorIntelix, "0"}, taskSheet[2][:4])

	outcomeSheet, err := f.GetRows(SheetCallOutcomes)
	require.NoError(t, err)
	require.Len(t, outcomeSheet, 5)
	assert.Equal(t, []string{"b1", "CONNECTED", "2"}, outcomeSheet[3])
}
