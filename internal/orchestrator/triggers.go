package orchestrator

import (
	"context"
	"sort"
	"time"

	"colldialer/internal/errs"
	"colldialer/internal/models"
	"colldialer/internal/reconcile"
	"colldialer/internal/settings"
	"colldialer/internal/worker"
)

// EnqueueConstruction schedules construction of every configured bucket for the
// business day of now.
func (o *Orchestrator) EnqueueConstruction(ctx context.Context, now time.Time) (int, error) {
	day := o.Resolver.Today(now)
	n := 0
	for _, name := range o.Resolver.Buckets() {
		d, err := o.resolve(ctx, name)
		if err != nil {
			return n, err
		}
		if err := o.enqueueConstruction(ctx, d, BucketPayload{Bucket: name, Day: day, AsOf: now}); err != nil {
			return n, err
		}
		n++
	}
	o.logger.Info().Str("day", day).Int("buckets", n).Msg("construction enqueued")
	return n, nil
}

// EnqueueDiscrepancyChecks schedules the daily check of every bucket that
// uploaded remote tasks on day.
func (o *Orchestrator) EnqueueDiscrepancyChecks(ctx context.Context, day string) (int, error) {
	names, err := o.bucketsWithTasks(ctx, day)
	if err != nil {
		return 0, err
	}
	for i, name := range names {
		d, err := o.resolve(ctx, name)
		if err != nil {
			return i, err
		}
		if err := o.enqueue(ctx, HandlerDiscrepancy, BucketPayload{Bucket: name, Day: day}, retries(d, worker.RetryExponential)); err != nil {
			return i, err
		}
	}
	o.logger.Info().Str("day", day).Int("buckets", len(names)).Msg("discrepancy checks enqueued")
	return len(names), nil
}

// EnqueueRetroload schedules the slices of the last complete hour before now for
// every bucket that reconciles by retroload.
func (o *Orchestrator) EnqueueRetroload(ctx context.Context, now time.Time) (int, error) {
	w := reconcile.HourOf(now.Add(-time.Hour), o.Resolver.Location())
	day := w.Start.Format(models.DateLayout)
	names, err := o.bucketsWithTasks(ctx, day)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range names {
		d, err := o.resolve(ctx, name)
		if err != nil {
			return n, err
		}
		if d.ReconcileMethod == settings.ReconcileWebhookOnly {
			continue
		}
		bucketName := name
		slices, err := o.Reconciler.Retroload(ctx, day, w, d.RetroloadSlice, func(b string) bool { return b == bucketName })
		if err != nil {
			return n, err
		}
		for _, s := range slices {
			if err := o.enqueue(ctx, HandlerRetroload, s, worker.OnQueue(models.QueueLow), retries(d, worker.RetryExponential)); err != nil {
				return n, err
			}
			n++
		}
	}
	o.logger.Debug().Time("from", w.Start).Time("to", w.End).Int("slices", n).Msg("retroload enqueued")
	return n, nil
}

// EnqueueBucket schedules one stage for one bucket, e.g. from the CLI.
func (o *Orchestrator) EnqueueBucket(ctx context.Context, handler, bucketName, day string) error {
	switch handler {
	case HandlerConstruct, HandlerDispatch, HandlerDiscrepancy:
	default:
		return errs.Structuralf("handler %s cannot be enqueued per bucket", handler)
	}
	d, err := o.resolve(ctx, bucketName)
	if err != nil {
		return err
	}
	p := BucketPayload{Bucket: bucketName, Day: day}
	switch handler {
	case HandlerConstruct:
		return o.enqueueConstruction(ctx, d, p)
	case HandlerDispatch:
		return o.enqueue(ctx, handler, p, worker.OnQueue(models.QueueHigh), retries(d, worker.RetryLinear))
	}
	return o.enqueue(ctx, handler, p, retries(d, worker.RetryExponential))
}

// enqueueConstruction enqueues the construct job of p with its dispatch chained
// behind it. Both links retry transient failures with the bucket's budget.
func (o *Orchestrator) enqueueConstruction(ctx context.Context, d *settings.Dialer, p BucketPayload, opts ...worker.Option) error {
	if p.Day == "" {
		p.Day = o.Resolver.Today(o.now())
	}
	dispatchJob, err := worker.NewJob(HandlerDispatch, BucketPayload{Bucket: p.Bucket, Day: p.Day},
		worker.OnQueue(models.QueueHigh), retries(d, worker.RetryLinear))
	if err != nil {
		return errs.Structural(err)
	}
	construct, err := worker.NewJob(HandlerConstruct, p, append(opts, retries(d, worker.RetryLinear))...)
	if err != nil {
		return errs.Structural(err)
	}
	head, err := worker.Chain(construct, dispatchJob)
	if err != nil {
		return errs.Structural(err)
	}
	if err := o.Jobs.Enqueue(ctx, head); err != nil {
		return errs.Transient(errs.Wrapf(err, "enqueue %s", HandlerConstruct))
	}
	return nil
}

func (o *Orchestrator) bucketsWithTasks(ctx context.Context, day string) ([]string, error) {
	tasks, err := o.RemoteTasks.RemoteTasksForDay(ctx, day)
	if err != nil {
		return nil, errs.Transient(errs.Wrap(err, "list remote tasks"))
	}
	seen := map[string]bool{}
	var names []string
	for _, rt := range tasks {
		if !seen[rt.BucketName] {
			seen[rt.BucketName] = true
			names = append(names, rt.BucketName)
		}
	}
	sort.Strings(names)
	return names, nil
}
