package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"colldialer/internal/domain"
	"colldialer/internal/errs"
	"colldialer/internal/events"
	"colldialer/internal/metrics"
	"colldialer/internal/models"

	"github.com/rs/zerolog"
)

// PoolConfig controls concurrency and retry timing.
type PoolConfig struct {
	Workers          int
	PollInterval     time.Duration
	Queues           []string
	RetryUnit        time.Duration
	MaxRetryDelay    time.Duration
	NotReadyDelay    time.Duration
	NotReadyMaxWaits int
}

func (c *PoolConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{models.QueueHigh, models.QueueNormal, models.QueueLow}
	}
	if c.RetryUnit <= 0 {
		c.RetryUnit = time.Minute
	}
	if c.NotReadyDelay <= 0 {
		c.NotReadyDelay = 5 * time.Minute
	}
	if c.NotReadyMaxWaits <= 0 {
		c.NotReadyMaxWaits = 6
	}
}

// Pool runs jobs from the queue through registered handlers.
type Pool struct {
	queue    *Queue
	registry *HandlerRegistry
	cfg      PoolConfig
	events   domain.EventPublisher
	logger   zerolog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewPool(queue *Queue, registry *HandlerRegistry, cfg PoolConfig, publisher domain.EventPublisher, logger *zerolog.Logger) *Pool {
	cfg.applyDefaults()
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "worker_pool").Logger()
	}
	return &Pool{
		queue:    queue,
		registry: registry,
		cfg:      cfg,
		events:   publisher,
		logger:   l,
		now:      time.Now,
	}
}

// Start requeues jobs orphaned by a crash and launches the workers. They stop when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	if n, err := p.queue.db.RequeueStale(ctx, p.now()); err != nil {
		p.logger.Warn().Err(err).Msg("requeue orphaned jobs")
	} else if n > 0 {
		p.logger.Info().Int64("jobs", n).Msg("requeued orphaned jobs")
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	p.logger.Info().Int("workers", p.cfg.Workers).Strs("handlers", p.registry.Names()).Msg("worker pool started")
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug().Int("worker", id).Msg("worker stopped")
			return
		default:
		}

		job, ok := p.next(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.Process(ctx, job)
	}
}

// next picks one due job, higher priority queues first.
func (p *Pool) next(ctx context.Context) (*models.Job, bool) {
	for _, queue := range p.cfg.Queues {
		jobs, err := p.queue.due(ctx, queue, p.now(), 1)
		if err != nil {
			p.logger.Error().Err(err).Str("queue", queue).Msg("fetch due jobs")
			continue
		}
		if len(jobs) > 0 {
			return &jobs[0], true
		}
	}
	return nil, false
}

// RunDue processes due jobs synchronously until none are left or limit is reached.
// Used by one-shot commands and tests.
func (p *Pool) RunDue(ctx context.Context, limit int) int {
	n := 0
	for limit <= 0 || n < limit {
		job, ok := p.next(ctx)
		if !ok {
			return n
		}
		p.Process(ctx, job)
		n++
	}
	return n
}

// Process claims and executes one job, then records its outcome.
func (p *Pool) Process(ctx context.Context, job *models.Job) {
	claimed, err := p.queue.db.ClaimJob(ctx, job.ID)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("claim job")
		return
	}
	if !claimed {
		return
	}
	job.Attempt++
	job.Status = models.JobStatusRunning

	log := p.logger.With().Str("job_id", job.ID).Str("handler", job.Handler).Int("attempt", job.Attempt).Logger()

	handler := p.registry.Get(job.Handler)
	if handler == nil {
		p.fail(ctx, nil, job, errs.Structuralf("no handler registered for %s", job.Handler))
		return
	}

	start := p.now()
	err = p.execute(ctx, handler, job)
	took := p.now().Sub(start)

	if err == nil {
		metrics.ObserveJob(job.Handler, "completed", took)
		if err := p.queue.db.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, "", nil); err != nil {
			log.Error().Err(err).Msg("mark completed")
		}
		p.enqueueChain(ctx, job)
		log.Debug().Dur("took", took).Msg("job completed")
		return
	}

	switch errs.KindOf(err) {
	case errs.KindNotReady:
		if job.Waits >= p.cfg.NotReadyMaxWaits {
			metrics.ObserveJob(job.Handler, "exhausted", took)
			p.fail(ctx, handler, job, errs.Wrapf(err, "still not ready after %d waits", job.Waits))
			return
		}
		runAt := p.now().Add(p.cfg.NotReadyDelay)
		if err := p.queue.db.DeferNotReady(ctx, job.ID, err.Error(), runAt); err != nil {
			log.Error().Err(err).Msg("defer job")
			return
		}
		p.queue.schedule(ctx, job.Queue, job.ID, runAt)
		metrics.ObserveJob(job.Handler, "not_ready", took)
		log.Info().Err(err).Int("waits", job.Waits+1).Time("run_at", runAt).Msg("dependency not ready, deferred")

	case errs.KindStructural:
		metrics.ObserveJob(job.Handler, "structural", took)
		p.fail(ctx, handler, job, err)

	default:
		if job.Attempt >= job.MaxAttempts {
			metrics.ObserveJob(job.Handler, "exhausted", took)
			p.fail(ctx, handler, job, err)
			return
		}
		policy := RetryPolicy{Kind: job.Retry, InitialDelay: p.cfg.RetryUnit, MaxDelay: p.cfg.MaxRetryDelay}
		runAt := p.now().Add(policy.NextDelay(job.Attempt))
		if err := p.queue.db.UpdateJobStatus(ctx, job.ID, models.JobStatusRetry, err.Error(), &runAt); err != nil {
			log.Error().Err(err).Msg("mark retry")
			return
		}
		p.queue.schedule(ctx, job.Queue, job.ID, runAt)
		metrics.ObserveJob(job.Handler, "retry", took)
		log.Warn().Err(err).Time("run_at", runAt).Msg("job failed, retry scheduled")
	}
}

func (p *Pool) execute(ctx context.Context, handler JobHandler, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Structuralf("handler %s panicked: %v", job.Handler, r)
		}
	}()
	return handler.Execute(ctx, job)
}

// fail marks job dead, notifies the handler and publishes the failure.
func (p *Pool) fail(ctx context.Context, handler JobHandler, job *models.Job, cause error) {
	if err := p.queue.db.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, cause.Error(), nil); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark failed")
	}
	p.queue.pushDeadLetter(ctx, job)

	if h, ok := handler.(ExhaustionHandler); ok {
		h.OnExhausted(ctx, job, cause)
	}

	kind := errs.KindOf(cause)
	p.logger.Error().Err(cause).Str("job_id", job.ID).Str("handler", job.Handler).Str("kind", string(kind)).Msg("job failed")
	if p.events != nil {
		_ = p.events.PublishJSON(events.EventJobFailed, events.JobFailedPayload{
			JobID:   job.ID,
			Handler: job.Handler,
			Attempt: job.Attempt,
			Kind:    string(kind),
			Error:   cause.Error(),
		})
	}
}

func (p *Pool) enqueueChain(ctx context.Context, job *models.Job) {
	next, err := Next(job)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("decode chained job")
		return
	}
	if next == nil {
		return
	}
	if err := p.queue.Enqueue(ctx, next); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg(fmt.Sprintf("enqueue chained %s", next.Handler))
	}
}
