package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"colldialer/internal/database"
	"colldialer/internal/errs"
	"colldialer/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTracker(t *testing.T) (*Tracker, *database.DB) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "tracker.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, "", nil), db
}

func TestOpenIsIdempotent(t *testing.T) {
	tr, db := setupTracker(t)
	ctx := context.Background()

	a, err := tr.Open(ctx, models.WorkUpload, "b1", "2024-03-20")
	require.NoError(t, err)
	b, err := tr.Open(ctx, models.WorkUpload, "b1", "2024-03-20")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, models.VendorIntelix, a.Vendor)

	events, err := db.TaskEvents(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.TaskStatusCreated, events[0].Status)

	missing, err := tr.Find(ctx, models.WorkConstruct, "b1", "2024-03-20")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRequireMissingIsStructural(t *testing.T) {
	tr, _ := setupTracker(t)
	_, err := tr.Require(context.Background(), 999)
	require.Error(t, err)
	assert.Equal(t, errs.KindStructural, errs.KindOf(err))

	_, err = tr.PagesDone(context.Background(), 999)
	assert.Equal(t, errs.KindStructural, errs.KindOf(err))
}

func TestTransitions(t *testing.T) {
	tr, db := setupTracker(t)
	ctx := context.Background()
	task, err := tr.Open(ctx, models.WorkConstruct, "b2", "2024-03-20")
	require.NoError(t, err)

	require.NoError(t, tr.Transition(ctx, task.ID, models.TaskStatusQuerying, nil, nil))
	require.NoError(t, tr.Transition(ctx, task.ID, models.TaskStatusQuerying, nil, nil))
	require.NoError(t, tr.Transition(ctx, task.ID, models.TaskStatusRetrying, nil, errors.New("db locked")))
	require.NoError(t, tr.Transition(ctx, task.ID, models.TaskStatusQuerying, nil, nil))
	require.NoError(t, tr.Transition(ctx, task.ID, models.TaskStatusQueried, Int64(120), nil))

	err = tr.Transition(ctx, task.ID, models.TaskStatusDiscrepancyFound, nil, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindStructural, errs.KindOf(err))

	require.NoError(t, tr.Transition(ctx, task.ID, models.TaskStatusSuccess, nil, nil))

	v, err := tr.View(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, v.Status)
	n, ok := v.Count(models.TaskStatusQueried)
	assert.True(t, ok)
	assert.Equal(t, int64(120), n)
	assert.True(t, v.Has(models.TaskStatusRetrying))
	assert.Len(t, v.Events, 6)
	assert.True(t, IsTerminal(v.Status))

	reloaded, err := db.GetDialerTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.RetryCount)
	assert.Equal(t, "db locked", reloaded.Error)
}

func TestQueriedTaskCanAnnounceRetry(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()
	task, err := tr.Open(ctx, models.WorkConstruct, "b1", "2024-03-20")
	require.NoError(t, err)

	require.NoError(t, tr.Transition(ctx, task.ID, models.TaskStatusQuerying, nil, nil))
	require.NoError(t, tr.Transition(ctx, task.ID, models.TaskStatusQueried, Int64(10), nil))
	require.NoError(t, tr.Transition(ctx, task.ID, models.TaskStatusRetrying, nil, errors.New("pii unavailable")))
	require.NoError(t, tr.Transition(ctx, task.ID, models.TaskStatusQuerying, nil, nil))

	v, err := tr.View(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQuerying, v.Status)
	assert.False(t, IsTerminal(models.TaskStatusRetrying))
}

func TestPagesDone(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()
	task, err := tr.Open(ctx, models.WorkUpload, "b1", "2024-03-20")
	require.NoError(t, err)

	_, err = tr.PagesDone(ctx, task.ID)
	assert.Equal(t, errs.KindNotReady, errs.KindOf(err))

	err = tr.PageTransition(ctx, task.ID, 1, models.TaskStatusUploadingPerBatch, nil)
	assert.Equal(t, errs.KindStructural, errs.KindOf(err), "pages before page count")

	require.NoError(t, tr.Transition(ctx, task.ID, models.TaskStatusBatchingProcess, Int64(12000), nil))
	require.NoError(t, tr.Transition(ctx, task.ID, models.TaskStatusBatchingProcessed, Int64(3), nil))

	for page := 1; page <= 3; page++ {
		require.NoError(t, tr.PageTransition(ctx, task.ID, page, models.TaskStatusUploadingPerBatch, nil))
	}
	require.NoError(t, tr.PageTransition(ctx, task.ID, 2, models.TaskStatusUploadedPerBatch, nil))
	require.NoError(t, tr.PageTransition(ctx, task.ID, 3, models.TaskStatusUploadedPerBatch, nil))

	_, err = tr.PagesDone(ctx, task.ID)
	assert.Equal(t, errs.KindNotReady, errs.KindOf(err))

	require.NoError(t, tr.PageTransition(ctx, task.ID, 1, models.TaskStatusRetrying, errors.New("502")))
	require.NoError(t, tr.PageTransition(ctx, task.ID, 1, models.TaskStatusUploadingPerBatch, nil))
	require.NoError(t, tr.PageTransition(ctx, task.ID, 1, models.TaskStatusFailureBatch, errors.New("502")))

	v, err := tr.PagesDone(ctx, task.ID)
	require.NoError(t, err)
	uploaded, failed := v.FinishedPages()
	assert.Equal(t, 2, uploaded)
	assert.Equal(t, 1, failed)
	assert.True(t, v.PageUploaded(2))
	assert.False(t, v.PageUploaded(1))

	err = tr.PageTransition(ctx, task.ID, 2, models.TaskStatusUploadingPerBatch, nil)
	assert.Equal(t, errs.KindStructural, errs.KindOf(err), "uploaded page is final")

	err = tr.PageTransition(ctx, task.ID, 4, models.TaskStatusUploadingPerBatch, nil)
	assert.Equal(t, errs.KindStructural, errs.KindOf(err))

	require.NoError(t, tr.Transition(ctx, task.ID, models.TaskStatusFailure, nil, errors.New("1 of 3 pages failed")))
}
