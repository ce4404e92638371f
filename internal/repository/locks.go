package repository

import (
	"context"
	"fmt"
	"time"

	"colldialer/internal/domain"
	"colldialer/internal/models"
)

// Lock purposes. One lock exists per (purpose, bucket, day).
const (
	PurposeConstruct = "construct"
	PurposeDispatch  = "dispatch"
	PurposeFinalize  = "finalize"
	PurposeNextWave  = "nextwave"
	// PurposeSchedule guards scheduler triggers; the bucket part names the trigger.
	PurposeSchedule = "schedule"
)

// DailyLocks names and tracks the per-day idempotency locks. Every acquired key is
// appended to a per-day registry so a sweep can find it without scanning Redis.
type DailyLocks struct {
	coord domain.Coordinator
	loc   *time.Location
	// dayEnd is the business day end as an offset from local midnight.
	dayEnd time.Duration
}

func NewDailyLocks(coord domain.Coordinator, loc *time.Location, dayEndHour, dayEndMinute int) *DailyLocks {
	if loc == nil {
		loc = time.UTC
	}
	return &DailyLocks{
		coord:  coord,
		loc:    loc,
		dayEnd: time.Duration(dayEndHour)*time.Hour + time.Duration(dayEndMinute)*time.Minute,
	}
}

func LockKey(purpose, bucketName, day string) string {
	return fmt.Sprintf("dialer:lock:%s:%s:%s", purpose, bucketName, day)
}

func registryKey(day string) string {
	return "dialer:locks:" + day
}

// ConstructedKey lists buckets whose construction finished on day.
func ConstructedKey(day string) string {
	return "dialer:constructed:" + day
}

// TTLUntilDayEnd is the time left until the business day of day ends, never less than a minute.
func (l *DailyLocks) TTLUntilDayEnd(day string, now time.Time) time.Duration {
	d, err := time.ParseInLocation(models.DateLayout, day, l.loc)
	if err != nil {
		return time.Hour
	}
	ttl := d.Add(l.dayEnd).Sub(now)
	if ttl < time.Minute {
		return time.Minute
	}
	return ttl
}

// Acquire takes the lock for (purpose, bucket, day). It reports false when the
// lock is already held, running or done.
func (l *DailyLocks) Acquire(ctx context.Context, purpose, bucketName, day string) (bool, error) {
	key := LockKey(purpose, bucketName, day)
	ttl := l.TTLUntilDayEnd(day, time.Now())
	ok, err := l.coord.AcquireLock(ctx, key, ttl)
	if err != nil || !ok {
		return ok, err
	}
	// registry outlives the day so the next sweep still sees it
	if err := l.coord.AppendList(ctx, registryKey(day), key, ttl+48*time.Hour); err != nil {
		return true, err
	}
	return true, nil
}

func (l *DailyLocks) Done(ctx context.Context, purpose, bucketName, day string) error {
	return l.coord.MarkDone(ctx, LockKey(purpose, bucketName, day))
}

func (l *DailyLocks) Release(ctx context.Context, purpose, bucketName, day string) error {
	return l.coord.ReleaseLock(ctx, LockKey(purpose, bucketName, day))
}

func (l *DailyLocks) State(ctx context.Context, purpose, bucketName, day string) (string, error) {
	return l.coord.LockState(ctx, LockKey(purpose, bucketName, day))
}

// MarkConstructed records that bucketName was constructed on day.
func (l *DailyLocks) MarkConstructed(ctx context.Context, bucketName, day string) error {
	return l.coord.AppendList(ctx, ConstructedKey(day), bucketName, l.TTLUntilDayEnd(day, time.Now()))
}

func (l *DailyLocks) Constructed(ctx context.Context, day string) ([]string, error) {
	return l.coord.List(ctx, ConstructedKey(day))
}

// UploadPending marks a vendor task creation whose outcome is not recorded yet.
const UploadPending = "pending"

func UploadKey(taskName string) string {
	return "dialer:upload:" + taskName
}

// Upload returns the creation marker of vendor task taskName: UploadPending while
// the vendor call is in flight, the remote task id once it returned.
func (l *DailyLocks) Upload(ctx context.Context, taskName string) (string, bool, error) {
	return l.coord.Get(ctx, UploadKey(taskName))
}

func (l *DailyLocks) MarkUpload(ctx context.Context, day, taskName, value string) error {
	return l.coord.Set(ctx, UploadKey(taskName), value, l.TTLUntilDayEnd(day, time.Now()))
}

func (l *DailyLocks) ClearUpload(ctx context.Context, taskName string) error {
	return l.coord.Delete(ctx, UploadKey(taskName))
}

// SweepResult counts what a sweep removed.
type SweepResult struct {
	StaleRunning int
	PreviousDays int
}

// Sweep runs at startup. Today's "running" locks belong to a crashed process and are
// removed so the work can be redone; "done" locks stay. Every lock of the previous
// lookback days is removed.
func (l *DailyLocks) Sweep(ctx context.Context, now time.Time, lookbackDays int) (SweepResult, error) {
	var res SweepResult
	today := now.In(l.loc).Format(models.DateLayout)

	keys, err := l.coord.List(ctx, registryKey(today))
	if err != nil {
		return res, err
	}
	for _, key := range keys {
		state, err := l.coord.LockState(ctx, key)
		if err != nil {
			return res, err
		}
		if state == LockRunning {
			if err := l.coord.ReleaseLock(ctx, key); err != nil {
				return res, err
			}
			res.StaleRunning++
		}
	}

	for i := 1; i <= lookbackDays; i++ {
		day := now.In(l.loc).AddDate(0, 0, -i).Format(models.DateLayout)
		keys, err := l.coord.List(ctx, registryKey(day))
		if err != nil {
			return res, err
		}
		if len(keys) == 0 {
			continue
		}
		if err := l.coord.Delete(ctx, keys...); err != nil {
			return res, err
		}
		if err := l.coord.Delete(ctx, registryKey(day), ConstructedKey(day)); err != nil {
			return res, err
		}
		res.PreviousDays += len(keys)
	}
	return res, nil
}
