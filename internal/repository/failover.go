package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"colldialer/internal/domain"
	"colldialer/internal/events"
	"colldialer/internal/metrics"

	"github.com/rs/zerolog"
)

// FailoverCoordinator serves from the primary (Redis) and switches to the in-memory
// fallback on the first error. It probes the primary again after recoverAfter.
type FailoverCoordinator struct {
	primary      domain.Coordinator
	fallback     domain.Coordinator
	logger       *zerolog.Logger
	isDown       atomic.Bool
	mu           sync.Mutex
	lastCheck    time.Time
	recoverAfter time.Duration
	events       domain.EventPublisher
}

func NewFailoverCoordinator(primary, fallback domain.Coordinator, logger *zerolog.Logger) *FailoverCoordinator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverCoordinator{
		primary:      primary,
		fallback:     fallback,
		logger:       logger,
		recoverAfter: time.Minute,
	}
}

// NotifyOn publishes a coordinator failure each time the primary goes down.
func (r *FailoverCoordinator) NotifyOn(publisher domain.EventPublisher) {
	r.events = publisher
}

// target picks the store for the next call.
func (r *FailoverCoordinator) target() domain.Coordinator {
	if !r.isDown.Load() {
		return r.primary
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Try to recover after recoverAfter
	if time.Since(r.lastCheck) > r.recoverAfter {
		r.lastCheck = time.Now()
		return r.primary
	}
	return r.fallback
}

// observe records the outcome of a primary call and reports whether the caller must retry on the fallback.
func (r *FailoverCoordinator) observe(used domain.Coordinator, err error) bool {
	if used != r.primary {
		return false
	}
	if err == nil {
		if r.isDown.CompareAndSwap(true, false) {
			r.logger.Info().Msg("Primary coordinator recovered")
			metrics.SetDegraded(false)
		}
		return false
	}
	r.logger.Error().Err(err).Msg("Primary coordinator failed, falling back to memory")
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
	if r.isDown.CompareAndSwap(false, true) {
		metrics.SetDegraded(true)
		if r.events != nil {
			_ = r.events.PublishJSON(events.EventCoordinatorFailure, events.AlertPayload{
				Mandatory: true,
				Message:   "coordinator unavailable, running on in-memory fallback: " + err.Error(),
				At:        time.Now(),
			})
		}
	}
	return true
}

// IsDegraded reports whether calls are currently served by the fallback.
func (r *FailoverCoordinator) IsDegraded() bool {
	return r.isDown.Load()
}

func (r *FailoverCoordinator) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c := r.target()
	ok, err := c.AcquireLock(ctx, key, ttl)
	if r.observe(c, err) {
		return r.fallback.AcquireLock(ctx, key, ttl)
	}
	return ok, err
}

func (r *FailoverCoordinator) MarkDone(ctx context.Context, key string) error {
	c := r.target()
	err := c.MarkDone(ctx, key)
	if r.observe(c, err) {
		return r.fallback.MarkDone(ctx, key)
	}
	return err
}

func (r *FailoverCoordinator) LockState(ctx context.Context, key string) (string, error) {
	c := r.target()
	state, err := c.LockState(ctx, key)
	if r.observe(c, err) {
		return r.fallback.LockState(ctx, key)
	}
	return state, err
}

func (r *FailoverCoordinator) ReleaseLock(ctx context.Context, key string) error {
	c := r.target()
	err := c.ReleaseLock(ctx, key)
	if r.observe(c, err) {
		return r.fallback.ReleaseLock(ctx, key)
	}
	return err
}

func (r *FailoverCoordinator) Get(ctx context.Context, key string) (string, bool, error) {
	c := r.target()
	v, ok, err := c.Get(ctx, key)
	if r.observe(c, err) {
		return r.fallback.Get(ctx, key)
	}
	return v, ok, err
}

func (r *FailoverCoordinator) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c := r.target()
	err := c.Set(ctx, key, value, ttl)
	if r.observe(c, err) {
		return r.fallback.Set(ctx, key, value, ttl)
	}
	return err
}

func (r *FailoverCoordinator) Delete(ctx context.Context, keys ...string) error {
	c := r.target()
	err := c.Delete(ctx, keys...)
	if r.observe(c, err) {
		return r.fallback.Delete(ctx, keys...)
	}
	return err
}

func (r *FailoverCoordinator) AppendList(ctx context.Context, key, value string, ttl time.Duration) error {
	c := r.target()
	err := c.AppendList(ctx, key, value, ttl)
	if r.observe(c, err) {
		return r.fallback.AppendList(ctx, key, value, ttl)
	}
	return err
}

func (r *FailoverCoordinator) List(ctx context.Context, key string) ([]string, error) {
	c := r.target()
	vals, err := c.List(ctx, key)
	if r.observe(c, err) {
		return r.fallback.List(ctx, key)
	}
	return vals, err
}

func (r *FailoverCoordinator) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	c := r.target()
	allowed, err := c.CheckRateLimit(ctx, key, limit, window)
	if r.observe(c, err) {
		return r.fallback.CheckRateLimit(ctx, key, limit, window)
	}
	return allowed, err
}
