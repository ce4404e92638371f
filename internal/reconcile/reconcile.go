// Package reconcile ingests vendor call results and repairs gaps between the
// vendor's counts and what is stored locally.
package reconcile

import (
	"context"
	"time"

	"colldialer/internal/domain"
	"colldialer/internal/errs"
	"colldialer/internal/logging"
	"colldialer/internal/metrics"
	"colldialer/internal/models"
	"colldialer/internal/tracker"

	"github.com/rs/zerolog"
)

// DefaultPageSize is the vendor result page used when none is configured.
const DefaultPageSize = 500

// Store is the persistence reconciliation needs.
type Store interface {
	UpsertCallResults(ctx context.Context, results []models.CallResult) (int, error)
	CountCallResults(ctx context.Context, remoteTaskID string, from, to time.Time) (int, error)
	GetRemoteTask(ctx context.Context, taskID string) (*models.RemoteTask, error)
	RemoteTasksForDay(ctx context.Context, day string) ([]models.RemoteTask, error)
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Slice is one independently retried retroload unit.
type Slice struct {
	RemoteTaskID string `json:"remote_task_id"`
	Bucket       string `json:"bucket"`
	Window
}

type Reconciler struct {
	store    Store
	dialer   domain.Dialer
	tracker  *tracker.Tracker
	events   domain.EventPublisher
	pageSize int
	logger   zerolog.Logger
	now      func() time.Time
}

func NewReconciler(store Store, dialer domain.Dialer, tr *tracker.Tracker, publisher domain.EventPublisher, pageSize int, logger *zerolog.Logger) *Reconciler {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Reconciler{
		store:    store,
		dialer:   dialer,
		tracker:  tr,
		events:   publisher,
		pageSize: pageSize,
		logger:   logging.Component(logger, "reconcile"),
		now:      time.Now,
	}
}

// Reconcile pulls every call of remoteTaskID that started inside w and upserts it
// by call id. It returns how many results were ingested.
func (r *Reconciler) Reconcile(ctx context.Context, remoteTaskID string, w Window) (int, error) {
	ingested := 0
	for offset := 0; ; {
		page, err := r.dialer.Calls(ctx, models.CallQuery{
			TaskID: remoteTaskID,
			Start:  w.Start,
			End:    w.End,
			Limit:  r.pageSize,
			Offset: offset,
		})
		if err != nil {
			return ingested, errs.Wrapf(err, "pull calls of %s", remoteTaskID)
		}
		n, err := r.store.UpsertCallResults(ctx, page.Results)
		if err != nil {
			return ingested, errs.Transient(errs.Wrap(err, "store call results"))
		}
		ingested += n
		offset += len(page.Results)
		if len(page.Results) < r.pageSize || offset >= page.Total {
			break
		}
	}

	metrics.AddIngested(ingested)
	r.logger.Debug().
		Str("remote_task_id", remoteTaskID).
		Time("from", w.Start).
		Time("to", w.End).
		Int("ingested", ingested).
		Msg("call results pulled")
	return ingested, nil
}

// ReconcileCall pulls the single call a webhook announced. A call the vendor does
// not list yet is reported as not ready so the caller tries again later.
func (r *Reconciler) ReconcileCall(ctx context.Context, remoteTaskID, callID string) (int, error) {
	if callID == "" {
		return 0, errs.Structuralf("call pull for %s without call id", remoteTaskID)
	}
	page, err := r.dialer.Calls(ctx, models.CallQuery{TaskID: remoteTaskID, CallID: callID, Limit: r.pageSize})
	if err != nil {
		return 0, errs.Wrapf(err, "pull call %s", callID)
	}
	if len(page.Results) == 0 {
		return 0, errs.NotReady("call %s of %s not listed by the vendor yet", callID, remoteTaskID)
	}
	n, err := r.store.UpsertCallResults(ctx, page.Results)
	if err != nil {
		return 0, errs.Transient(errs.Wrap(err, "store call result"))
	}
	metrics.AddIngested(n)
	return n, nil
}

// Slices cuts w into consecutive pieces of at most size.
func Slices(w Window, size time.Duration) []Window {
	if !w.End.After(w.Start) {
		return nil
	}
	if size <= 0 {
		return []Window{w}
	}
	var out []Window
	for start := w.Start; start.Before(w.End); start = start.Add(size) {
		end := start.Add(size)
		if end.After(w.End) {
			end = w.End
		}
		out = append(out, Window{Start: start, End: end})
	}
	return out
}

// Retroload plans slices of w for every remote task created on day whose
// schedule overlaps w. include filters buckets; nil includes all of them.
func (r *Reconciler) Retroload(ctx context.Context, day string, w Window, size time.Duration, include func(bucket string) bool) ([]Slice, error) {
	tasks, err := r.store.RemoteTasksForDay(ctx, day)
	if err != nil {
		return nil, errs.Transient(errs.Wrap(err, "list remote tasks"))
	}
	var out []Slice
	for _, rt := range tasks {
		if include != nil && !include(rt.BucketName) {
			continue
		}
		if !rt.ScheduleStart.IsZero() && !rt.ScheduleStart.Before(w.End) {
			continue
		}
		for _, s := range Slices(w, size) {
			out = append(out, Slice{RemoteTaskID: rt.TaskID, Bucket: rt.BucketName, Window: s})
		}
	}
	return out, nil
}

// HourOf returns the business-timezone hour containing t.
func HourOf(t time.Time, loc *time.Location) Window {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	return Window{Start: start, End: start.Add(time.Hour)}
}
