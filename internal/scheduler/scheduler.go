// Package scheduler fires the daily and hourly pipeline triggers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"colldialer/internal/config"
	"colldialer/internal/logging"
	"colldialer/internal/models"
	"colldialer/internal/repository"

	"github.com/rs/zerolog"
)

// sweepLookbackDays is how many previous days of locks a startup sweep removes.
const sweepLookbackDays = 7

// Triggers enqueue the work of one firing.
type Triggers interface {
	EnqueueConstruction(ctx context.Context, now time.Time) (int, error)
	EnqueueDiscrepancyChecks(ctx context.Context, day string) (int, error)
	EnqueueRetroload(ctx context.Context, now time.Time) (int, error)
}

// Locks keep replicas from firing the same trigger twice.
type Locks interface {
	Acquire(ctx context.Context, purpose, bucketName, day string) (bool, error)
	Done(ctx context.Context, purpose, bucketName, day string) error
	Release(ctx context.Context, purpose, bucketName, day string) error
	Sweep(ctx context.Context, now time.Time, lookbackDays int) (repository.SweepResult, error)
}

// Clock is a time of day.
type Clock struct {
	Hour   int
	Minute int
}

func parseClock(s string) (Clock, error) {
	h, m, err := config.ParseClock(s)
	if err != nil {
		return Clock{}, err
	}
	return Clock{Hour: h, Minute: m}, nil
}

// Before reports whether c is earlier in the day than o.
func (c Clock) Before(o Clock) bool {
	return c.Hour*60+c.Minute < o.Hour*60+o.Minute
}

// NextRun returns the first time at clock c strictly after now, in loc.
func NextRun(now time.Time, c Clock, loc *time.Location) time.Time {
	now = now.In(loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), c.Hour, c.Minute, 0, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// NextHour returns the start of the hour after now.
func NextHour(now time.Time, loc *time.Location) time.Time {
	now = now.In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, loc).Add(time.Hour)
}

type Scheduler struct {
	triggers    Triggers
	locks       Locks
	loc         *time.Location
	construct   Clock
	discrepancy Clock
	logger      zerolog.Logger
	now         func() time.Time
	wg          sync.WaitGroup
}

func New(triggers Triggers, locks Locks, cfg *config.Config, logger *zerolog.Logger) (*Scheduler, error) {
	construct, err := parseClock(cfg.Dialer.ConstructTime)
	if err != nil {
		return nil, fmt.Errorf("construct_time: %w", err)
	}
	discrepancy, err := parseClock(cfg.Dialer.DiscrepancyTime)
	if err != nil {
		return nil, fmt.Errorf("discrepancy_time: %w", err)
	}
	return &Scheduler{
		triggers:    triggers,
		locks:       locks,
		loc:         cfg.Location(),
		construct:   construct,
		discrepancy: discrepancy,
		logger:      logging.Component(logger, "scheduler"),
		now:         time.Now,
	}, nil
}

// Start sweeps stale locks and launches the trigger loops. They stop when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	if res, err := s.locks.Sweep(ctx, s.now(), sweepLookbackDays); err != nil {
		s.logger.Error().Err(err).Msg("lock sweep failed")
	} else {
		s.logger.Info().Int("stale_running", res.StaleRunning).Int("previous_days", res.PreviousDays).Msg("locks swept")
	}

	s.loop(ctx, "construct", func(now time.Time) time.Time { return NextRun(now, s.construct, s.loc) }, s.FireConstruction)
	s.loop(ctx, "discrepancy", func(now time.Time) time.Time { return NextRun(now, s.discrepancy, s.loc) }, s.FireDiscrepancy)
	s.loop(ctx, "retroload", func(now time.Time) time.Time { return NextHour(now, s.loc) }, s.FireRetroload)
}

// Wait blocks until every loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, next func(time.Time) time.Time, fire func(context.Context, time.Time) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			at := next(s.now())
			s.logger.Debug().Str("trigger", name).Time("next", at).Msg("trigger scheduled")
			timer := time.NewTimer(time.Until(at))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if err := fire(ctx, at); err != nil {
					s.logger.Error().Err(err).Str("trigger", name).Msg("trigger failed")
				}
			}
		}
	}()
}

// once runs fn unless another replica already fired trigger for day.
func (s *Scheduler) once(ctx context.Context, trigger, day string, fn func() error) error {
	ok, err := s.locks.Acquire(ctx, repository.PurposeSchedule, trigger, day)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug().Str("trigger", trigger).Str("day", day).Msg("trigger already fired")
		return nil
	}
	if err := fn(); err != nil {
		if rerr := s.locks.Release(ctx, repository.PurposeSchedule, trigger, day); rerr != nil {
			s.logger.Warn().Err(rerr).Str("trigger", trigger).Msg("failed to release trigger lock")
		}
		return err
	}
	return s.locks.Done(ctx, repository.PurposeSchedule, trigger, day)
}

// FireConstruction enqueues the day's constructions.
func (s *Scheduler) FireConstruction(ctx context.Context, at time.Time) error {
	day := at.In(s.loc).Format(models.DateLayout)
	return s.once(ctx, "construct", day, func() error {
		n, err := s.triggers.EnqueueConstruction(ctx, at)
		s.logger.Info().Str("day", day).Int("buckets", n).Msg("construction triggered")
		return err
	})
}

// CheckedDay is the business day a discrepancy check firing at at covers. A check
// scheduled before the construction time runs after midnight and covers the day before.
func (s *Scheduler) CheckedDay(at time.Time) string {
	at = at.In(s.loc)
	if (Clock{Hour: at.Hour(), Minute: at.Minute()}).Before(s.construct) {
		at = at.AddDate(0, 0, -1)
	}
	return at.Format(models.DateLayout)
}

// FireDiscrepancy enqueues the checks of the covered day.
func (s *Scheduler) FireDiscrepancy(ctx context.Context, at time.Time) error {
	day := s.CheckedDay(at)
	return s.once(ctx, "discrepancy", day, func() error {
		n, err := s.triggers.EnqueueDiscrepancyChecks(ctx, day)
		s.logger.Info().Str("day", day).Int("buckets", n).Msg("discrepancy check triggered")
		return err
	})
}

// FireRetroload enqueues the re-pull of the hour that just ended.
func (s *Scheduler) FireRetroload(ctx context.Context, at time.Time) error {
	local := at.In(s.loc)
	day := local.Format(models.DateLayout)
	trigger := fmt.Sprintf("retroload-%02d", local.Hour())
	return s.once(ctx, trigger, day, func() error {
		_, err := s.triggers.EnqueueRetroload(ctx, at)
		return err
	})
}
