// Package orchestrator binds the pipeline stages to the job queue. Each stage runs
// as a job; construction and dispatch run as one chain, later stages fan out
// from the handler that completes.
package orchestrator

import (
	"context"
	"time"

	"colldialer/internal/construction"
	"colldialer/internal/dispatch"
	"colldialer/internal/domain"
	"colldialer/internal/errs"
	"colldialer/internal/events"
	"colldialer/internal/logging"
	"colldialer/internal/models"
	"colldialer/internal/reconcile"
	"colldialer/internal/repository"
	"colldialer/internal/settings"
	"colldialer/internal/worker"

	"github.com/rs/zerolog"
)

// Job handler names.
const (
	HandlerConstruct   = "construct"
	HandlerDispatch    = "dispatch"
	HandlerUploadPage  = "upload_page"
	HandlerFinalize    = "finalize_dispatch"
	HandlerPullCall    = "pull_call"
	HandlerRetroload   = "retroload"
	HandlerDiscrepancy = "discrepancy_check"
)

// verifyDelay is how long after scheduling repairs the bucket is checked again.
const verifyDelay = time.Hour

// Resolver yields the effective settings of a bucket.
type Resolver interface {
	Resolve(ctx context.Context, bucketName string) (*settings.Dialer, error)
	Location() *time.Location
	Today(now time.Time) string
	Buckets() []string
}

// RemoteTasks looks up vendor tasks created by dispatch.
type RemoteTasks interface {
	GetRemoteTask(ctx context.Context, taskID string) (*models.RemoteTask, error)
	RemoteTasksForDay(ctx context.Context, day string) ([]models.RemoteTask, error)
}

// BucketPayload addresses one bucket on one business day.
type BucketPayload struct {
	Bucket string    `json:"bucket"`
	Day    string    `json:"day"`
	AsOf   time.Time `json:"as_of,omitempty"`
	// Verify marks the follow-up check after repairs; it schedules no further checks.
	Verify bool `json:"verify,omitempty"`
}

// FinalizePayload addresses the upload task to finalize.
type FinalizePayload struct {
	Bucket       string `json:"bucket"`
	Day          string `json:"day"`
	DialerTaskID int64  `json:"dialer_task_id"`
}

// CallPayload addresses one call announced by a webhook.
type CallPayload struct {
	Bucket       string `json:"bucket"`
	RemoteTaskID string `json:"remote_task_id"`
	CallID       string `json:"call_id"`
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Resolver    Resolver
	Builder     *construction.Builder
	Dispatcher  *dispatch.Manager
	Reconciler  *reconcile.Reconciler
	RemoteTasks RemoteTasks
	Locks       *repository.DailyLocks
	Jobs        domain.JobEnqueuer
	Events      domain.EventPublisher
}

type Orchestrator struct {
	Deps
	logger zerolog.Logger
	now    func() time.Time
}

func New(deps Deps, logger *zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Deps:   deps,
		logger: logging.Component(logger, "orchestrator"),
		now:    time.Now,
	}
}

// Register adds every stage handler to reg.
func (o *Orchestrator) Register(reg *worker.HandlerRegistry) {
	reg.Register(worker.HandlerFunc{HandlerName: HandlerConstruct, Fn: o.construct})
	reg.Register(worker.HandlerFunc{HandlerName: HandlerDispatch, Fn: o.dispatch})
	reg.Register(&uploadHandler{o: o})
	reg.Register(worker.HandlerFunc{HandlerName: HandlerFinalize, Fn: o.finalize})
	reg.Register(worker.HandlerFunc{HandlerName: HandlerPullCall, Fn: o.pullCall})
	reg.Register(worker.HandlerFunc{HandlerName: HandlerRetroload, Fn: o.retroload})
	reg.Register(worker.HandlerFunc{HandlerName: HandlerDiscrepancy, Fn: o.discrepancy})
}

func (o *Orchestrator) resolve(ctx context.Context, name string) (*settings.Dialer, error) {
	d, err := o.Resolver.Resolve(ctx, name)
	if err != nil {
		return nil, errs.Wrapf(err, "resolve %s", name)
	}
	return d, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, handler string, payload interface{}, opts ...worker.Option) error {
	job, err := worker.NewJob(handler, payload, opts...)
	if err != nil {
		return errs.Structural(err)
	}
	if err := o.Jobs.Enqueue(ctx, job); err != nil {
		return errs.Transient(errs.Wrapf(err, "enqueue %s", handler))
	}
	return nil
}

func retries(d *settings.Dialer, kind string) worker.Option {
	return worker.WithRetry(kind, d.MaxRetries+1)
}

func (o *Orchestrator) construct(ctx context.Context, job *models.Job) error {
	var p BucketPayload
	if err := worker.Decode(job, &p); err != nil {
		return err
	}
	d, err := o.resolve(ctx, p.Bucket)
	if err != nil {
		return err
	}
	if d.Disabled {
		o.logger.Info().Str("bucket", p.Bucket).Msg("bucket disabled, not constructed")
		return nil
	}
	asOf, err := o.asOf(p, d)
	if err != nil {
		return err
	}

	out, err := o.Builder.Run(ctx, d, asOf)
	if err != nil {
		return err
	}
	o.publish(events.EventConstructionDone, events.AlertPayload{
		Bucket:    out.Bucket,
		Day:       out.Day,
		Status:    statusOf(out.Skipped),
		Mandatory: d.Mandatory,
		Message:   out.Reason,
		Counts:    events.Counts{Rows: out.Rows, Excluded: out.Eligible - out.Rows},
	})
	return nil
}

// asOf is the reference time of a construction: the payload's, now for today, or
// the start of an explicitly requested other day.
func (o *Orchestrator) asOf(p BucketPayload, d *settings.Dialer) (time.Time, error) {
	if !p.AsOf.IsZero() {
		return p.AsOf, nil
	}
	now := o.now().In(d.Location)
	if p.Day == "" || p.Day == now.Format(models.DateLayout) {
		return now, nil
	}
	t, err := time.ParseInLocation(models.DateLayout, p.Day, d.Location)
	if err != nil {
		return time.Time{}, errs.Structural(errs.Wrapf(err, "parse day %q", p.Day))
	}
	return t, nil
}

func statusOf(skipped bool) string {
	if skipped {
		return models.TaskStatusSkipped
	}
	return models.TaskStatusSuccess
}

// dispatch plans the upload and fans out one job per page plus the finalizer.
func (o *Orchestrator) dispatch(ctx context.Context, job *models.Job) error {
	var p BucketPayload
	if err := worker.Decode(job, &p); err != nil {
		return err
	}
	d, err := o.resolve(ctx, p.Bucket)
	if err != nil {
		return err
	}
	if d.Disabled {
		return nil
	}
	plan, err := o.Dispatcher.Prepare(ctx, d, p.Day)
	if err != nil {
		return err
	}
	if plan.Skipped || len(plan.Pages) == 0 {
		o.logger.Info().Str("bucket", p.Bucket).Str("day", p.Day).Str("reason", plan.Reason).Msg("dispatch skipped")
		return nil
	}
	for _, page := range plan.Pages {
		if err := o.enqueue(ctx, HandlerUploadPage, page, worker.OnQueue(models.QueueHigh), retries(d, worker.RetryLinear)); err != nil {
			return err
		}
	}
	return o.enqueue(ctx, HandlerFinalize, FinalizePayload{Bucket: p.Bucket, Day: p.Day, DialerTaskID: plan.DialerTaskID},
		worker.In(d.RetryUnit))
}

// uploadHandler uploads one page; exhaustion records the page as failed.
type uploadHandler struct {
	o *Orchestrator
}

func (h *uploadHandler) Name() string { return HandlerUploadPage }

func (h *uploadHandler) Execute(ctx context.Context, job *models.Job) error {
	var page dispatch.Page
	if err := worker.Decode(job, &page); err != nil {
		return err
	}
	d, err := h.o.resolve(ctx, page.Bucket)
	if err != nil {
		return err
	}
	if _, err := h.o.Dispatcher.UploadPage(ctx, d, page); err != nil {
		if errs.KindOf(err) != errs.KindStructural && job.Attempt < job.MaxAttempts {
			if rerr := h.o.Dispatcher.PageRetrying(ctx, page, err); rerr != nil {
				h.o.logger.Warn().Err(rerr).Int("page", page.Number).Msg("failed to record page retry")
			}
		}
		return err
	}
	return nil
}

func (h *uploadHandler) OnExhausted(ctx context.Context, job *models.Job, cause error) {
	var page dispatch.Page
	if err := worker.Decode(job, &page); err != nil {
		h.o.logger.Error().Err(err).Str("job_id", job.ID).Msg("undecodable page job")
		return
	}
	d, err := h.o.resolve(ctx, page.Bucket)
	if err != nil {
		h.o.logger.Error().Err(err).Str("bucket", page.Bucket).Msg("resolve settings for failed page")
		return
	}
	if err := h.o.Dispatcher.PageFailed(ctx, d, page, cause); err != nil {
		h.o.logger.Error().Err(err).Int("page", page.Number).Msg("failed to record page failure")
	}
}

func (o *Orchestrator) finalize(ctx context.Context, job *models.Job) error {
	var p FinalizePayload
	if err := worker.Decode(job, &p); err != nil {
		return err
	}
	d, err := o.resolve(ctx, p.Bucket)
	if err != nil {
		return err
	}
	sum, err := o.Dispatcher.Finalize(ctx, d, p.DialerTaskID)
	if err != nil {
		return err
	}
	o.logger.Info().Str("bucket", sum.Bucket).Str("day", sum.Day).Str("status", sum.Status).
		Int("uploaded", sum.Uploaded).Int("failed", sum.Failed).Msg("dispatch finalized")
	return nil
}

func (o *Orchestrator) pullCall(ctx context.Context, job *models.Job) error {
	var p CallPayload
	if err := worker.Decode(job, &p); err != nil {
		return err
	}
	_, err := o.Reconciler.ReconcileCall(ctx, p.RemoteTaskID, p.CallID)
	return err
}

func (o *Orchestrator) retroload(ctx context.Context, job *models.Job) error {
	var s reconcile.Slice
	if err := worker.Decode(job, &s); err != nil {
		return err
	}
	if s.RemoteTaskID == "" || !s.End.After(s.Start) {
		return errs.Structuralf("invalid retroload slice %+v", s)
	}
	_, err := o.Reconciler.Reconcile(ctx, s.RemoteTaskID, s.Window)
	return err
}

// discrepancy checks one bucket and schedules a re-pull job per lagging slice.
func (o *Orchestrator) discrepancy(ctx context.Context, job *models.Job) error {
	var p BucketPayload
	if err := worker.Decode(job, &p); err != nil {
		return err
	}
	d, err := o.resolve(ctx, p.Bucket)
	if err != nil {
		return err
	}
	res, err := o.Reconciler.CheckBucket(ctx, d, p.Day)
	if err != nil {
		return err
	}
	if res.Skipped {
		return nil
	}

	repairs := res.Repairs()
	for _, r := range repairs {
		for _, w := range reconcile.Slices(r.Window, d.RetroloadSlice) {
			s := reconcile.Slice{RemoteTaskID: r.RemoteTaskID, Bucket: r.Bucket, Window: w}
			if err := o.enqueue(ctx, HandlerRetroload, s, worker.OnQueue(models.QueueLow), retries(d, worker.RetryExponential)); err != nil {
				return err
			}
		}
	}
	if p.Verify || (len(repairs) == 0 && len(res.Failed) == 0) {
		return nil
	}
	return o.enqueue(ctx, HandlerDiscrepancy, BucketPayload{Bucket: p.Bucket, Day: p.Day, Verify: true},
		worker.In(verifyDelay), retries(d, worker.RetryExponential))
}

func (o *Orchestrator) publish(eventType string, payload events.AlertPayload) {
	if o.Events == nil {
		return
	}
	payload.At = o.now()
	if err := o.Events.PublishJSON(eventType, payload); err != nil {
		o.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish event")
	}
}
