// Package dispatch pages constructed payload rows into vendor tasks and tracks
// every page until the bucket's upload is finalized.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"colldialer/internal/domain"
	"colldialer/internal/errs"
	"colldialer/internal/events"
	"colldialer/internal/logging"
	"colldialer/internal/metrics"
	"colldialer/internal/models"
	"colldialer/internal/repository"
	"colldialer/internal/settings"
	"colldialer/internal/tracker"
	"colldialer/internal/worker"

	"github.com/rs/zerolog"
)

// ErrNotSent is returned by Cancel when the account has no live sent record.
var ErrNotSent = errs.New("account was not sent today")

// Store is the persistence dispatch needs.
type Store interface {
	PayloadRows(ctx context.Context, bucketName, day string) ([]models.PayloadRow, error)
	PayloadRowsRange(ctx context.Context, bucketName, day string, from, to int) ([]models.PayloadRow, error)
	SentAccounts(ctx context.Context, bucketName, day string, accountIDs []int64) (map[int64]bool, error)
	SentRecords(ctx context.Context, bucketName, day string) ([]models.SentRecord, error)
	InsertSentRecords(ctx context.Context, records []models.SentRecord) error
	SoftDeleteSent(ctx context.Context, remoteTaskID string, accountID int64) (int64, error)
	InsertNotSent(ctx context.Context, records []models.NotSentRecord) error
	InsertRemoteTask(ctx context.Context, rt *models.RemoteTask) error
}

// Plan is the outcome of preparing a bucket for upload.
type Plan struct {
	DialerTaskID int64
	Bucket       string
	Day          string
	Rows         int
	AlreadySent  int
	Pages        []Page
	Skipped      bool
	Reason       string
}

// Summary is the outcome of finalizing an upload.
type Summary struct {
	DialerTaskID int64
	Bucket       string
	Day          string
	Status       string
	Pages        int
	Uploaded     int
	Failed       int
}

// Result of a synchronous dispatch.
type Result struct {
	Plan          *Plan
	Summary       *Summary
	RemoteTaskIDs []string
}

type Manager struct {
	store   Store
	dialer  domain.Dialer
	tracker *tracker.Tracker
	locks   *repository.DailyLocks
	events  domain.EventPublisher
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewManager(store Store, dialer domain.Dialer, tr *tracker.Tracker, locks *repository.DailyLocks, publisher domain.EventPublisher, logger *zerolog.Logger) *Manager {
	return &Manager{
		store:   store,
		dialer:  dialer,
		tracker: tr,
		locks:   locks,
		events:  publisher,
		logger:  logging.Component(logger, "dispatch"),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Prepare pages the bucket's payload rows for day and announces the page count on
// the upload task. It runs at most once per bucket and day.
func (m *Manager) Prepare(ctx context.Context, d *settings.Dialer, day string) (*Plan, error) {
	name := d.Bucket.Name
	acquired, err := m.locks.Acquire(ctx, repository.PurposeDispatch, name, day)
	if err != nil {
		return nil, errs.Transient(errs.Wrap(err, "acquire dispatch lock"))
	}
	if !acquired {
		return &Plan{Bucket: name, Day: day, Skipped: true, Reason: "dispatch already in progress or done"}, nil
	}

	plan, err := m.prepare(ctx, d, day)
	if err != nil {
		if rerr := m.locks.Release(ctx, repository.PurposeDispatch, name, day); rerr != nil {
			m.logger.Warn().Err(rerr).Str("bucket", name).Msg("failed to release dispatch lock")
		}
		return nil, err
	}
	if err := m.locks.Done(ctx, repository.PurposeDispatch, name, day); err != nil {
		m.logger.Warn().Err(err).Str("bucket", name).Msg("failed to mark dispatch lock done")
	}
	return plan, nil
}

func (m *Manager) prepare(ctx context.Context, d *settings.Dialer, day string) (*Plan, error) {
	name := d.Bucket.Name
	log := m.logger.With().Str("bucket", name).Str("day", day).Logger()

	construct, err := m.tracker.Find(ctx, models.WorkConstruct, name, day)
	if err != nil {
		return nil, err
	}
	if construct == nil {
		return nil, errs.NotReady("bucket %s not constructed for %s yet", name, day)
	}
	cview, err := m.tracker.View(ctx, construct.ID)
	if err != nil {
		return nil, err
	}

	task, err := m.tracker.Open(ctx, models.WorkUpload, name, day)
	if err != nil {
		return nil, err
	}
	plan := &Plan{DialerTaskID: task.ID, Bucket: name, Day: day}

	view, err := m.tracker.View(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if view.Status != models.TaskStatusCreated && view.Status != models.TaskStatusRetrying {
		plan.Skipped = true
		plan.Reason = "already dispatched today"
		return plan, nil
	}

	switch cview.Status {
	case models.TaskStatusSkipped:
		plan.Skipped = true
		plan.Reason = "no data after exclusions"
		return plan, m.tracker.Transition(ctx, task.ID, models.TaskStatusSkipped, tracker.Int64(0), nil)
	case models.TaskStatusSuccess:
	default:
		return nil, errs.NotReady("construction of %s for %s is %s", name, day, cview.Status)
	}

	if err := m.tracker.Transition(ctx, task.ID, models.TaskStatusBatchingProcess, nil, nil); err != nil {
		return nil, err
	}

	rows, err := m.store.PayloadRows(ctx, name, day)
	if err != nil {
		return nil, m.stageFailed(ctx, task.ID, errs.Transient(errs.Wrap(err, "load payload rows")))
	}
	pending, sent, err := m.unsent(ctx, name, day, rows)
	if err != nil {
		return nil, m.stageFailed(ctx, task.ID, err)
	}
	if len(sent) > 0 {
		audit := make([]models.NotSentRecord, 0, len(sent))
		for _, r := range sent {
			audit = append(audit, models.NotSentRecord{AccountPaymentID: r.AccountPaymentID, BucketName: name, Day: day, Reason: models.ReasonAlreadySent})
		}
		if err := m.store.InsertNotSent(ctx, audit); err != nil {
			return nil, m.stageFailed(ctx, task.ID, errs.Transient(errs.Wrap(err, "record already sent")))
		}
		metrics.AddExcluded(name, string(models.ReasonAlreadySent), len(sent))
	}
	plan.Rows = len(pending)
	plan.AlreadySent = len(sent)

	if len(pending) == 0 {
		plan.Skipped = true
		plan.Reason = "no payload rows left to send"
		log.Info().Int("already_sent", len(sent)).Msg("nothing to dispatch")
		return plan, m.tracker.Transition(ctx, task.ID, models.TaskStatusSkipped, tracker.Int64(0), nil)
	}

	start, end, err := d.Schedule.Window(day, d.Location)
	if err != nil {
		return nil, m.stageFailed(ctx, task.ID, err)
	}
	pages := Paginate(pending, d.BatchSize, d.TaskRowCeiling, start, end)
	for i := range pages {
		pages[i].DialerTaskID = task.ID
		pages[i].Bucket = name
		pages[i].Day = day
	}
	plan.Pages = pages

	if err := m.tracker.Transition(ctx, task.ID, models.TaskStatusBatchingProcessed, tracker.Int64(len(pages)), nil); err != nil {
		return nil, err
	}
	log.Info().Int("rows", len(pending)).Int("pages", len(pages)).Int("already_sent", len(sent)).Msg("dispatch planned")
	return plan, nil
}

func (m *Manager) stageFailed(ctx context.Context, taskID int64, cause error) error {
	status := models.TaskStatusRetrying
	if errs.KindOf(cause) == errs.KindStructural {
		status = models.TaskStatusFailure
	}
	if err := m.tracker.Transition(ctx, taskID, status, nil, cause); err != nil {
		m.logger.Error().Err(err).Int64("dialer_task_id", taskID).Msg("failed to record dispatch failure")
		return errs.CombineErrors(cause, err)
	}
	return cause
}

// unsent splits rows into those not yet sent today and those already sent.
func (m *Manager) unsent(ctx context.Context, name, day string, rows []models.PayloadRow) ([]models.PayloadRow, []models.PayloadRow, error) {
	if len(rows) == 0 {
		return nil, nil, nil
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.AccountID)
	}
	sent, err := m.store.SentAccounts(ctx, name, day, ids)
	if err != nil {
		return nil, nil, errs.Transient(errs.Wrap(err, "check sent accounts"))
	}
	pending := make([]models.PayloadRow, 0, len(rows))
	var already []models.PayloadRow
	for _, r := range rows {
		if sent[r.AccountID] {
			already = append(already, r)
			continue
		}
		pending = append(pending, r)
	}
	return pending, already, nil
}

// UploadPage creates the vendor task of one page and records what was sent.
// It returns the remote task id, or "" when the page had nothing left to send.
func (m *Manager) UploadPage(ctx context.Context, d *settings.Dialer, page Page) (string, error) {
	log := m.logger.With().Str("bucket", page.Bucket).Int64("dialer_task_id", page.DialerTaskID).Int("page", page.Number).Logger()

	view, err := m.tracker.View(ctx, page.DialerTaskID)
	if err != nil {
		return "", err
	}
	if view.PageUploaded(page.Number) {
		return "", nil
	}
	if err := m.tracker.PageTransition(ctx, page.DialerTaskID, page.Number, models.TaskStatusUploadingPerBatch, nil); err != nil {
		return "", err
	}

	rows, err := m.store.PayloadRowsRange(ctx, page.Bucket, page.Day, page.SortFrom, page.SortTo)
	if err != nil {
		return "", errs.Transient(errs.Wrap(err, "load page rows"))
	}
	pending, _, err := m.unsent(ctx, page.Bucket, page.Day, rows)
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		log.Info().Msg("page already sent")
		return "", m.tracker.PageTransition(ctx, page.DialerTaskID, page.Number, models.TaskStatusUploadedPerBatch, nil)
	}

	taskID, err := m.createTask(ctx, d, page, pending)
	if err != nil {
		return "", err
	}

	if err := m.store.InsertRemoteTask(ctx, &models.RemoteTask{
		TaskID:        taskID,
		DialerTaskID:  page.DialerTaskID,
		BucketName:    page.Bucket,
		Day:           page.Day,
		Page:          page.Number,
		RowCount:      len(pending),
		ScheduleStart: page.Start,
		ScheduleEnd:   page.End,
	}); err != nil {
		return "", errs.Transient(errs.Wrap(err, "register remote task"))
	}

	records := make([]models.SentRecord, 0, len(pending))
	for _, r := range pending {
		records = append(records, models.SentRecord{
			AccountID:        r.AccountID,
			AccountPaymentID: r.AccountPaymentID,
			PhoneNumber:      r.PrimaryPhone(),
			BucketName:       page.Bucket,
			Day:              page.Day,
			RemoteTaskID:     taskID,
			Page:             page.Number,
		})
	}
	if err := m.store.InsertSentRecords(ctx, records); err != nil {
		return "", errs.Transient(errs.Wrap(err, "record sent accounts"))
	}
	if err := m.tracker.PageTransition(ctx, page.DialerTaskID, page.Number, models.TaskStatusUploadedPerBatch, nil); err != nil {
		return "", err
	}

	metrics.IncPage(page.Bucket, "uploaded")
	log.Info().Str("remote_task_id", taskID).Int("rows", len(pending)).Msg("page uploaded")
	return taskID, nil
}

// createTask creates the vendor task of page at most once. A marker keyed by the
// task name is written before the vendor call and replaced by the remote task id
// after it, so a retry after a failed local write reuses the task instead of
// calling the same accounts twice. A marker still pending means an earlier call
// may have reached the vendor; the page is failed rather than sent again.
func (m *Manager) createTask(ctx context.Context, d *settings.Dialer, page Page, rows []models.PayloadRow) (string, error) {
	name := page.TaskName()
	marker, ok, err := m.locks.Upload(ctx, name)
	if err != nil {
		return "", errs.Transient(errs.Wrap(err, "read upload marker"))
	}
	if ok {
		if marker == repository.UploadPending {
			return "", errs.Structuralf("vendor task %s: earlier creation outcome unknown", name)
		}
		m.logger.Info().Str("remote_task_id", marker).Int("page", page.Number).Msg("vendor task already created, registering")
		return marker, nil
	}

	if err := m.locks.MarkUpload(ctx, page.Day, name, repository.UploadPending); err != nil {
		return "", errs.Transient(errs.Wrap(err, "write upload marker"))
	}
	taskID, err := m.dialer.CreateTask(ctx, models.TaskUpload{
		Name:           name,
		BucketName:     page.Bucket,
		Page:           page.Number,
		Rows:           rows,
		ScheduleStart:  page.Start,
		ScheduleEnd:    page.End,
		RepeatInterval: d.Schedule.RepeatInterval,
		RepeatCount:    d.Schedule.RepeatCount,
	})
	if err != nil {
		metrics.IncPage(page.Bucket, "error")
		if cerr := m.locks.ClearUpload(ctx, name); cerr != nil {
			m.logger.Warn().Err(cerr).Str("task_name", name).Msg("failed to clear upload marker")
		}
		return "", errs.Wrapf(err, "create vendor task for page %d", page.Number)
	}
	if err := m.locks.MarkUpload(ctx, page.Day, name, taskID); err != nil {
		m.logger.Warn().Err(err).Str("task_name", name).Str("remote_task_id", taskID).Msg("failed to record created vendor task")
	}
	return taskID, nil
}

// PageRetrying announces that a failed page upload will be attempted again.
func (m *Manager) PageRetrying(ctx context.Context, page Page, cause error) error {
	return m.tracker.PageTransition(ctx, page.DialerTaskID, page.Number, models.TaskStatusRetrying, cause)
}

// PageFailed records a page that ran out of attempts.
func (m *Manager) PageFailed(ctx context.Context, d *settings.Dialer, page Page, cause error) error {
	if err := m.tracker.PageTransition(ctx, page.DialerTaskID, page.Number, models.TaskStatusFailureBatch, cause); err != nil {
		return err
	}
	metrics.IncPage(page.Bucket, "failed")
	m.logger.Error().Err(cause).Str("bucket", page.Bucket).Int("page", page.Number).Bool("mandatory", d.Mandatory).Msg("page upload failed")
	m.publish(events.EventPageUploadFailed, events.AlertPayload{
		Bucket:    page.Bucket,
		Day:       page.Day,
		Status:    models.TaskStatusFailureBatch,
		Mandatory: d.Mandatory,
		Message:   fmt.Sprintf("page %d upload failed: %v", page.Number, cause),
		Counts:    events.Counts{Rows: page.Rows, Pages: 1, Failed: 1},
	})
	return nil
}

// Finalize closes the upload task once every page has finished. Until then it
// returns a not-ready error so the caller polls again later.
func (m *Manager) Finalize(ctx context.Context, d *settings.Dialer, dialerTaskID int64) (*Summary, error) {
	view, err := m.tracker.PagesDone(ctx, dialerTaskID)
	if err != nil {
		return nil, err
	}
	expected, _ := view.ExpectedPages()
	uploaded, failed := view.FinishedPages()
	sum := &Summary{
		DialerTaskID: dialerTaskID,
		Bucket:       view.Task.BucketName,
		Day:          view.Task.Day,
		Status:       view.Status,
		Pages:        expected,
		Uploaded:     uploaded,
		Failed:       failed,
	}
	if tracker.IsTerminal(view.Status) {
		return sum, nil
	}

	acquired, err := m.locks.Acquire(ctx, repository.PurposeFinalize, sum.Bucket, sum.Day)
	if err != nil {
		return nil, errs.Transient(errs.Wrap(err, "acquire finalize lock"))
	}
	if !acquired {
		return sum, nil
	}

	status := models.TaskStatusSuccess
	var cause error
	if failed > 0 {
		status = models.TaskStatusFailure
		cause = errs.Newf("%d of %d pages failed", failed, expected)
	}
	if err := m.tracker.Transition(ctx, dialerTaskID, status, tracker.Int64(uploaded), cause); err != nil {
		if rerr := m.locks.Release(ctx, repository.PurposeFinalize, sum.Bucket, sum.Day); rerr != nil {
			m.logger.Warn().Err(rerr).Msg("failed to release finalize lock")
		}
		return nil, err
	}
	if err := m.locks.Done(ctx, repository.PurposeFinalize, sum.Bucket, sum.Day); err != nil {
		m.logger.Warn().Err(err).Msg("failed to mark finalize lock done")
	}
	sum.Status = status

	msg := "dispatch finished"
	if cause != nil {
		msg = "dispatch finished with failures: " + cause.Error()
	}
	m.publish(events.EventDispatchFinished, events.AlertPayload{
		Bucket:    sum.Bucket,
		Day:       sum.Day,
		Status:    status,
		Mandatory: d.Mandatory,
		Message:   msg,
		Counts:    events.Counts{Pages: expected, Failed: failed},
	})
	m.logger.Info().Str("bucket", sum.Bucket).Str("day", sum.Day).Str("status", status).Int("pages", expected).Int("failed", failed).Msg("dispatch finalized")
	return sum, nil
}

// Dispatch prepares, uploads and finalizes a bucket in the calling goroutine.
// Each page is retried on its own with linear backoff; a page that keeps failing
// does not stop its siblings.
func (m *Manager) Dispatch(ctx context.Context, d *settings.Dialer, day string) (*Result, error) {
	plan, err := m.Prepare(ctx, d, day)
	if err != nil {
		return nil, err
	}
	res := &Result{Plan: plan}
	if plan.Skipped {
		return res, nil
	}

	policy := worker.RetryPolicy{Kind: worker.RetryLinear, InitialDelay: d.RetryUnit}
	for _, page := range plan.Pages {
		id, err := m.uploadWithRetry(ctx, d, page, policy)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if ferr := m.PageFailed(ctx, d, page, err); ferr != nil {
				return nil, ferr
			}
			continue
		}
		if id != "" {
			res.RemoteTaskIDs = append(res.RemoteTaskIDs, id)
		}
	}

	res.Summary, err = m.Finalize(ctx, d, plan.DialerTaskID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (m *Manager) uploadWithRetry(ctx context.Context, d *settings.Dialer, page Page, policy worker.RetryPolicy) (string, error) {
	attempts := d.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		id, err := m.UploadPage(ctx, d, page)
		if err == nil {
			return id, nil
		}
		if errs.KindOf(err) == errs.KindStructural || attempt >= attempts {
			return "", err
		}
		if rerr := m.PageRetrying(ctx, page, err); rerr != nil {
			m.logger.Warn().Err(rerr).Int("page", page.Number).Msg("failed to record page retry")
		}
		if serr := m.sleep(ctx, policy.NextDelay(attempt)); serr != nil {
			return "", serr
		}
	}
}

// Cancel withdraws today's calls of an account in a bucket: the vendor is asked
// to cancel first, then the local sent records are marked deleted. It returns
// how many vendor tasks were touched.
func (m *Manager) Cancel(ctx context.Context, bucketName, day string, accountID int64) (int, error) {
	records, err := m.store.SentRecords(ctx, bucketName, day)
	if err != nil {
		return 0, errs.Transient(errs.Wrap(err, "load sent records"))
	}

	phones := map[string][]string{}
	var order []string
	for _, r := range records {
		if r.AccountID != accountID {
			continue
		}
		if _, ok := phones[r.RemoteTaskID]; !ok {
			order = append(order, r.RemoteTaskID)
		}
		phones[r.RemoteTaskID] = append(phones[r.RemoteTaskID], r.PhoneNumber)
	}
	if len(order) == 0 {
		return 0, ErrNotSent
	}

	for i, remoteID := range order {
		for _, p := range phones[remoteID] {
			if err := m.dialer.CancelCall(ctx, remoteID, p); err != nil {
				return i, errs.Wrapf(err, "cancel call in %s", remoteID)
			}
		}
		if _, err := m.store.SoftDeleteSent(ctx, remoteID, accountID); err != nil {
			return i, errs.Transient(errs.Wrap(err, "mark sent record deleted"))
		}
		m.logger.Info().Str("bucket", bucketName).Str("remote_task_id", remoteID).Int64("account_id", accountID).Msg("call cancelled")
	}
	return len(order), nil
}

func (m *Manager) publish(eventType string, payload events.AlertPayload) {
	if m.events == nil {
		return
	}
	payload.At = time.Now()
	if err := m.events.PublishJSON(eventType, payload); err != nil {
		m.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish event")
	}
}
