package orchestrator

import (
	"context"
	"database/sql"
	"errors"

	"colldialer/internal/errs"
	"colldialer/internal/models"
	"colldialer/internal/repository"
	"colldialer/internal/settings"
	"colldialer/internal/worker"
)

// HandleCallback reacts to a vendor webhook. A hung-up call is pulled after the
// configured delay; a finished task may start the next wave of its experiment.
// Callbacks for tasks this service did not create are ignored.
func (o *Orchestrator) HandleCallback(ctx context.Context, cb models.Callback) error {
	if cb.TaskID == "" {
		return errs.Structuralf("callback without task id")
	}
	rt, err := o.RemoteTasks.GetRemoteTask(ctx, cb.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		o.logger.Warn().Str("remote_task_id", cb.TaskID).Str("state", cb.State).Msg("callback for unknown task ignored")
		return nil
	}
	if err != nil {
		return errs.Transient(errs.Wrap(err, "load remote task"))
	}
	d, err := o.resolve(ctx, rt.BucketName)
	if err != nil {
		return err
	}

	switch {
	case cb.Type == models.CallbackTypeContactStatus && cb.State == models.CallbackStateHangup:
		return o.scheduleCallPull(ctx, d, rt, cb.CallID)
	case cb.Type == models.CallbackTypeTaskStatus && cb.State == models.CallbackStateFinished:
		return o.startNextWave(ctx, d, rt)
	}
	return nil
}

func (o *Orchestrator) scheduleCallPull(ctx context.Context, d *settings.Dialer, rt *models.RemoteTask, callID string) error {
	if d.ReconcileMethod == settings.ReconcileRetroloadOnly {
		return nil
	}
	if callID == "" {
		return errs.Structuralf("hangup callback of %s without call id", rt.TaskID)
	}
	return o.enqueue(ctx, HandlerPullCall,
		CallPayload{Bucket: rt.BucketName, RemoteTaskID: rt.TaskID, CallID: callID},
		worker.In(d.WebhookDelay), retries(d, worker.RetryExponential))
}

// startNextWave enqueues construction of the following wave once per day, and only
// before the experiment's cut-off hour.
func (o *Orchestrator) startNextWave(ctx context.Context, d *settings.Dialer, rt *models.RemoteTask) error {
	next, ok := d.Bucket.NextWave()
	if !ok || !d.HasNextWave(next) {
		return nil
	}
	now := o.now().In(d.Location)
	day := now.Format(models.DateLayout)
	log := o.logger.With().Str("bucket", d.Bucket.Name).Str("next", next).Str("day", day).Logger()
	if rt.Day != day {
		log.Info().Str("task_day", rt.Day).Msg("finished task is from another day, next wave not started")
		return nil
	}
	if now.Hour() >= d.NextWaveHour {
		log.Info().Int("cutoff_hour", d.NextWaveHour).Msg("too late for the next wave")
		return nil
	}

	acquired, err := o.Locks.Acquire(ctx, repository.PurposeNextWave, next, day)
	if err != nil {
		return errs.Transient(errs.Wrap(err, "acquire next wave lock"))
	}
	if !acquired {
		return nil
	}
	nd, err := o.resolve(ctx, next)
	if err != nil {
		if rerr := o.Locks.Release(ctx, repository.PurposeNextWave, next, day); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to release next wave lock")
		}
		return err
	}
	if err := o.enqueueConstruction(ctx, nd, BucketPayload{Bucket: next, Day: day}, worker.OnQueue(models.QueueHigh)); err != nil {
		if rerr := o.Locks.Release(ctx, repository.PurposeNextWave, next, day); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to release next wave lock")
		}
		return err
	}
	if err := o.Locks.Done(ctx, repository.PurposeNextWave, next, day); err != nil {
		log.Warn().Err(err).Msg("failed to mark next wave lock done")
	}
	log.Info().Msg("next wave construction enqueued")
	return nil
}
