// Package tracker records DialerTask status transitions as append-only events
// and answers completion questions by counting them.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"colldialer/internal/database"
	"colldialer/internal/errs"
	"colldialer/internal/logging"
	"colldialer/internal/models"

	"github.com/rs/zerolog"
)

var taskTransitions = map[string][]string{
	"": {models.TaskStatusCreated},
	models.TaskStatusCreated: {
		models.TaskStatusQuerying, models.TaskStatusBatchingProcess, models.TaskStatusDownloading,
		models.TaskStatusSkipped, models.TaskStatusFailure, models.TaskStatusRetrying,
	},
	models.TaskStatusQuerying: {
		models.TaskStatusQueried, models.TaskStatusSkipped, models.TaskStatusFailure, models.TaskStatusRetrying,
	},
	models.TaskStatusQueried: {
		models.TaskStatusBatchingProcess, models.TaskStatusSuccess, models.TaskStatusSkipped, models.TaskStatusFailure,
		models.TaskStatusRetrying,
	},
	models.TaskStatusBatchingProcess: {
		models.TaskStatusBatchingProcessed, models.TaskStatusSkipped, models.TaskStatusFailure, models.TaskStatusRetrying,
	},
	models.TaskStatusBatchingProcessed: {
		models.TaskStatusSuccess, models.TaskStatusFailure,
	},
	models.TaskStatusDownloading: {
		models.TaskStatusDownloaded, models.TaskStatusFailure, models.TaskStatusRetrying,
	},
	models.TaskStatusDownloaded: {
		models.TaskStatusSuccess, models.TaskStatusDiscrepancyFound, models.TaskStatusDownloading,
	},
	models.TaskStatusDiscrepancyFound: {
		models.TaskStatusDiscrepancyRepairs, models.TaskStatusFailure,
	},
	models.TaskStatusDiscrepancyRepairs: {
		models.TaskStatusSuccess, models.TaskStatusDownloading,
	},
	models.TaskStatusRetrying: {
		models.TaskStatusQuerying, models.TaskStatusBatchingProcess, models.TaskStatusDownloading,
		models.TaskStatusSuccess, models.TaskStatusFailure, models.TaskStatusRetrying,
	},
	models.TaskStatusFailure: {models.TaskStatusRetrying},
}

var pageTransitions = map[string][]string{
	"":                                 {models.TaskStatusUploadingPerBatch},
	models.TaskStatusUploadingPerBatch: {models.TaskStatusUploadedPerBatch, models.TaskStatusFailureBatch, models.TaskStatusRetrying},
	models.TaskStatusRetrying:          {models.TaskStatusUploadingPerBatch, models.TaskStatusFailureBatch},
	models.TaskStatusFailureBatch:      {models.TaskStatusUploadingPerBatch},
}

// IsTerminal reports whether a task-level status ends the lifecycle.
func IsTerminal(status string) bool {
	switch status {
	case models.TaskStatusSuccess, models.TaskStatusFailure, models.TaskStatusSkipped:
		return true
	}
	return false
}

func allowed(table map[string][]string, from, to string) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// View is the state of a task folded from its events.
type View struct {
	Task   *models.DialerTask
	Status string
	// Counts holds the data_count of the latest event per status.
	Counts map[string]int64
	// Pages maps page number to its latest page-level status.
	Pages  map[int]string
	Events []models.DialerTaskEvent
}

// Count returns the data_count recorded with status.
func (v *View) Count(status string) (int64, bool) {
	n, ok := v.Counts[status]
	return n, ok
}

// Has reports whether status was ever recorded at task level.
func (v *View) Has(status string) bool {
	for _, ev := range v.Events {
		if ev.Page == 0 && ev.Status == status {
			return true
		}
	}
	return false
}

// ExpectedPages is the page count announced by BATCHING_PROCESSED.
func (v *View) ExpectedPages() (int, bool) {
	n, ok := v.Counts[models.TaskStatusBatchingProcessed]
	return int(n), ok
}

// FinishedPages returns how many pages ended uploaded and how many ended failed.
func (v *View) FinishedPages() (uploaded, failed int) {
	for _, s := range v.Pages {
		switch s {
		case models.TaskStatusUploadedPerBatch:
			uploaded++
		case models.TaskStatusFailureBatch:
			failed++
		}
	}
	return uploaded, failed
}

// PageUploaded reports whether page already reached UPLOADED_PER_BATCH.
func (v *View) PageUploaded(page int) bool {
	return v.Pages[page] == models.TaskStatusUploadedPerBatch
}

func fold(task *models.DialerTask, events []models.DialerTaskEvent) *View {
	v := &View{Task: task, Counts: make(map[string]int64), Pages: make(map[int]string), Events: events}
	for _, ev := range events {
		if ev.Page > 0 {
			v.Pages[ev.Page] = ev.Status
			continue
		}
		v.Status = ev.Status
		if ev.DataCount != nil {
			v.Counts[ev.Status] = *ev.DataCount
		}
	}
	return v
}

type Tracker struct {
	db     *database.DB
	vendor string
	logger zerolog.Logger
}

func New(db *database.DB, vendor string, logger *zerolog.Logger) *Tracker {
	if vendor == "" {
		vendor = models.VendorIntelix
	}
	return &Tracker{db: db, vendor: vendor, logger: logging.Component(logger, "tracker")}
}

// Open returns the task of (workType, bucket, day), creating it with a CREATED event.
func (t *Tracker) Open(ctx context.Context, workType, bucketName, day string) (*models.DialerTask, error) {
	task, created, err := t.db.EnsureDialerTask(ctx, workType, bucketName, day, t.vendor)
	if err != nil {
		return nil, errs.Transient(err)
	}
	if created {
		if err := t.db.AppendTaskEvent(ctx, &models.DialerTaskEvent{DialerTaskID: task.ID, Status: models.TaskStatusCreated}); err != nil {
			return nil, errs.Transient(err)
		}
		t.logger.Debug().Int64("dialer_task_id", task.ID).Str("bucket", bucketName).Str("day", day).Str("type", workType).Msg("dialer task created")
	}
	return task, nil
}

// Find returns the task of (workType, bucket, day) or nil when it does not exist.
func (t *Tracker) Find(ctx context.Context, workType, bucketName, day string) (*models.DialerTask, error) {
	task, err := t.db.FindDialerTask(ctx, workType, bucketName, day)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Transient(err)
	}
	return task, nil
}

// Require loads a task by id. A missing task is a structural failure.
func (t *Tracker) Require(ctx context.Context, id int64) (*models.DialerTask, error) {
	task, err := t.db.GetDialerTask(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Structuralf("dialer task %d not found", id)
	}
	if err != nil {
		return nil, errs.Transient(err)
	}
	return task, nil
}

// View folds the events of task id.
func (t *Tracker) View(ctx context.Context, id int64) (*View, error) {
	task, err := t.Require(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := t.db.TaskEvents(ctx, id)
	if err != nil {
		return nil, errs.Transient(err)
	}
	return fold(task, events), nil
}

// Transition appends a task-level event. Repeating the current status is a no-op.
func (t *Tracker) Transition(ctx context.Context, id int64, status string, dataCount *int64, cause error) error {
	v, err := t.View(ctx, id)
	if err != nil {
		return err
	}
	if v.Status == status && status != models.TaskStatusRetrying {
		return nil
	}
	if !allowed(taskTransitions, v.Status, status) {
		return errs.Structuralf("dialer task %d: transition %s -> %s not allowed", id, v.Status, status)
	}

	ev := &models.DialerTaskEvent{DialerTaskID: id, Status: status, DataCount: dataCount}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := t.db.AppendTaskEvent(ctx, ev); err != nil {
		return errs.Transient(err)
	}
	if cause != nil {
		if status == models.TaskStatusRetrying {
			err = t.db.BumpDialerTaskRetry(ctx, id, ev.Error)
		} else {
			err = t.db.SetDialerTaskError(ctx, id, ev.Error)
		}
		if err != nil {
			return errs.Transient(err)
		}
	}

	t.logger.Info().Int64("dialer_task_id", id).Str("from", v.Status).Str("to", status).Msg("dialer task transition")
	return nil
}

// PageTransition appends a page-level event. Pages may only move once the task
// announced its page count. Repeating the current page status is a no-op.
func (t *Tracker) PageTransition(ctx context.Context, id int64, page int, status string, cause error) error {
	if page <= 0 {
		return errs.Structuralf("dialer task %d: page numbers start at 1, got %d", id, page)
	}
	v, err := t.View(ctx, id)
	if err != nil {
		return err
	}
	expected, ok := v.ExpectedPages()
	if !ok || v.Status != models.TaskStatusBatchingProcessed {
		return errs.Structuralf("dialer task %d: page %d event %s while task is %s", id, page, status, v.Status)
	}
	if page > expected {
		return errs.Structuralf("dialer task %d: page %d beyond page count %d", id, page, expected)
	}
	from := v.Pages[page]
	if from == status {
		return nil
	}
	if !allowed(pageTransitions, from, status) {
		return errs.Structuralf("dialer task %d page %d: transition %s -> %s not allowed", id, page, from, status)
	}

	ev := &models.DialerTaskEvent{DialerTaskID: id, Status: status, Page: page}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := t.db.AppendTaskEvent(ctx, ev); err != nil {
		return errs.Transient(err)
	}
	return nil
}

// PagesDone returns the view when every announced page finished, uploaded or failed.
// Otherwise it returns a not-ready error so the caller re-enters the queue.
func (t *Tracker) PagesDone(ctx context.Context, id int64) (*View, error) {
	v, err := t.View(ctx, id)
	if err != nil {
		return nil, err
	}
	expected, ok := v.ExpectedPages()
	if !ok {
		return nil, errs.NotReady("dialer task %d: page count not announced yet", id)
	}
	uploaded, failed := v.FinishedPages()
	if uploaded+failed < expected {
		return nil, errs.NotReady("dialer task %d: %d/%d pages finished", id, uploaded+failed, expected)
	}
	return v, nil
}

// Int64 is a helper for optional data counts.
func Int64(n int) *int64 {
	v := int64(n)
	return &v
}

func (v *View) String() string {
	return fmt.Sprintf("task %d %s/%s/%s: %s", v.Task.ID, v.Task.Type, v.Task.BucketName, v.Task.Day, v.Status)
}
