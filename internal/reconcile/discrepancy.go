package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"colldialer/internal/errs"
	"colldialer/internal/events"
	"colldialer/internal/metrics"
	"colldialer/internal/models"
	"colldialer/internal/settings"
	"colldialer/internal/tracker"
)

// Discrepant reports whether the vendor holds more calls than the local store
// beyond the tolerated share: vendor-local > ceil(vendor*threshold).
func Discrepant(vendorTotal, localCount int, threshold float64) bool {
	// the epsilon keeps 2000*0.001 from rounding up to 3
	allowed := int(math.Ceil(float64(vendorTotal)*threshold - 1e-9))
	if allowed < 0 {
		allowed = 0
	}
	return vendorTotal-localCount > allowed
}

// Check is the comparison of one remote task.
type Check struct {
	RemoteTaskID string
	Bucket       string
	Day          string
	Vendor       int
	Local        int
	Discrepant   bool
	Repairs      []Repair
}

// Repair is an hour of a remote task to pull again.
type Repair struct {
	RemoteTaskID string `json:"remote_task_id"`
	Bucket       string `json:"bucket"`
	Vendor       int    `json:"vendor"`
	Local        int    `json:"local"`
	Window
}

// BucketCheck is the daily comparison of every remote task of a bucket.
type BucketCheck struct {
	DialerTaskID int64
	Bucket       string
	Day          string
	Checks       []Check
	// Failed holds remote tasks whose comparison errored; each is retried on its own.
	Failed  map[string]error
	Skipped bool
	Reason  string
}

// Repairs flattens the hours to re-pull.
func (b *BucketCheck) Repairs() []Repair {
	var out []Repair
	for _, c := range b.Checks {
		out = append(out, c.Repairs...)
	}
	return out
}

// Discrepant counts flagged remote tasks.
func (b *BucketCheck) Discrepant() int {
	n := 0
	for _, c := range b.Checks {
		if c.Discrepant {
			n++
		}
	}
	return n
}

// DayWindow is the business day of day in loc.
func DayWindow(day string, loc *time.Location) (Window, error) {
	start, err := time.ParseInLocation(models.DateLayout, day, loc)
	if err != nil {
		return Window{}, errs.Structural(errs.Wrapf(err, "parse day %q", day))
	}
	return Window{Start: start, End: start.AddDate(0, 0, 1)}, nil
}

// CheckTask compares the vendor total of rt against the stored results for its
// business day and, when flagged, finds the hours where the local count lags.
func (r *Reconciler) CheckTask(ctx context.Context, rt models.RemoteTask, threshold float64, loc *time.Location) (*Check, error) {
	day, err := DayWindow(rt.Day, loc)
	if err != nil {
		return nil, err
	}
	vendor, local, err := r.Totals(ctx, rt, loc)
	if err != nil {
		return nil, err
	}
	c := &Check{
		RemoteTaskID: rt.TaskID,
		Bucket:       rt.BucketName,
		Day:          rt.Day,
		Vendor:       vendor,
		Local:        local,
		Discrepant:   Discrepant(vendor, local, threshold),
	}
	if !c.Discrepant {
		return c, nil
	}

	start := day.Start
	if !rt.ScheduleStart.IsZero() && rt.ScheduleStart.After(start) {
		start = HourOf(rt.ScheduleStart, loc).Start
	}
	end := day.End
	if now := r.now(); now.Before(end) {
		end = HourOf(now, loc).End
	}
	for h := start; h.Before(end); h = h.Add(time.Hour) {
		w := Window{Start: h, End: h.Add(time.Hour)}
		hv, hl, err := r.counts(ctx, rt.TaskID, w)
		if err != nil {
			return nil, err
		}
		if hl < hv {
			c.Repairs = append(c.Repairs, Repair{RemoteTaskID: rt.TaskID, Bucket: rt.BucketName, Vendor: hv, Local: hl, Window: w})
		}
	}
	return c, nil
}

// Totals returns the vendor and local call counts of rt over its business day.
func (r *Reconciler) Totals(ctx context.Context, rt models.RemoteTask, loc *time.Location) (vendor, local int, err error) {
	day, err := DayWindow(rt.Day, loc)
	if err != nil {
		return 0, 0, err
	}
	return r.counts(ctx, rt.TaskID, day)
}

func (r *Reconciler) counts(ctx context.Context, taskID string, w Window) (vendor, local int, err error) {
	page, err := r.dialer.Calls(ctx, models.CallQuery{TaskID: taskID, Start: w.Start, End: w.End})
	if err != nil {
		return 0, 0, errs.Wrapf(err, "vendor total of %s", taskID)
	}
	local, err = r.store.CountCallResults(ctx, taskID, w.Start, w.End)
	if err != nil {
		return 0, 0, errs.Transient(errs.Wrap(err, "count local results"))
	}
	return page.Total, local, nil
}

// CheckBucket runs the daily discrepancy check over the bucket's remote tasks.
// Flagged tasks raise an alert and their lagging hours are returned as repairs;
// the caller schedules the re-pulls.
func (r *Reconciler) CheckBucket(ctx context.Context, d *settings.Dialer, day string) (*BucketCheck, error) {
	name := d.Bucket.Name
	res := &BucketCheck{Bucket: name, Day: day, Failed: map[string]error{}}

	all, err := r.store.RemoteTasksForDay(ctx, day)
	if err != nil {
		return nil, errs.Transient(errs.Wrap(err, "list remote tasks"))
	}
	var tasks []models.RemoteTask
	for _, rt := range all {
		if rt.BucketName == name {
			tasks = append(tasks, rt)
		}
	}
	if len(tasks) == 0 {
		res.Skipped = true
		res.Reason = "no remote tasks for the day"
		return res, nil
	}

	task, err := r.tracker.Open(ctx, models.WorkReconcile, name, day)
	if err != nil {
		return nil, err
	}
	res.DialerTaskID = task.ID
	view, err := r.tracker.View(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	switch view.Status {
	case models.TaskStatusSuccess:
		res.Skipped = true
		res.Reason = "already reconciled"
		return res, nil
	case models.TaskStatusFailure:
		if err := r.tracker.Transition(ctx, task.ID, models.TaskStatusRetrying, nil, errs.New("reconcile re-run")); err != nil {
			return nil, err
		}
	case models.TaskStatusDiscrepancyFound:
		// the previous run stopped before its repairs were recorded
		if err := r.tracker.Transition(ctx, task.ID, models.TaskStatusDiscrepancyRepairs, tracker.Int64(0), nil); err != nil {
			return nil, err
		}
	}
	if err := r.tracker.Transition(ctx, task.ID, models.TaskStatusDownloading, tracker.Int64(len(tasks)), nil); err != nil {
		return nil, err
	}

	var firstErr error
	local := 0
	for _, rt := range tasks {
		c, err := r.CheckTask(ctx, rt, d.DiscrepancyThreshold, d.Location)
		if err != nil {
			r.logger.Warn().Err(err).Str("remote_task_id", rt.TaskID).Msg("discrepancy check failed")
			res.Failed[rt.TaskID] = err
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		local += c.Local
		res.Checks = append(res.Checks, *c)
	}
	if len(res.Checks) == 0 {
		status := models.TaskStatusRetrying
		if errs.KindOf(firstErr) == errs.KindStructural {
			status = models.TaskStatusFailure
		}
		if err := r.tracker.Transition(ctx, task.ID, status, nil, firstErr); err != nil {
			r.logger.Error().Err(err).Int64("dialer_task_id", task.ID).Msg("failed to record reconcile failure")
		}
		return nil, firstErr
	}
	if err := r.tracker.Transition(ctx, task.ID, models.TaskStatusDownloaded, tracker.Int64(local), nil); err != nil {
		return nil, err
	}

	flagged := res.Discrepant()
	if flagged == 0 {
		if len(res.Failed) == 0 {
			if err := r.tracker.Transition(ctx, task.ID, models.TaskStatusSuccess, tracker.Int64(len(res.Checks)), nil); err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	if err := r.tracker.Transition(ctx, task.ID, models.TaskStatusDiscrepancyFound, tracker.Int64(flagged), nil); err != nil {
		return nil, err
	}
	for _, c := range res.Checks {
		if !c.Discrepant {
			continue
		}
		metrics.IncDiscrepancy(name)
		r.logger.Warn().Str("bucket", name).Str("remote_task_id", c.RemoteTaskID).Int("vendor", c.Vendor).Int("local", c.Local).Int("hours", len(c.Repairs)).Msg("discrepancy found")
		r.publish(events.AlertPayload{
			Bucket:    name,
			Day:       day,
			Status:    models.TaskStatusDiscrepancyFound,
			Mandatory: d.Mandatory,
			Message:   fmt.Sprintf("remote task %s: vendor has %d calls, stored %d", c.RemoteTaskID, c.Vendor, c.Local),
			Counts:    events.Counts{Vendor: c.Vendor, Local: c.Local},
		})
	}
	if err := r.tracker.Transition(ctx, task.ID, models.TaskStatusDiscrepancyRepairs, tracker.Int64(len(res.Repairs())), nil); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Reconciler) publish(payload events.AlertPayload) {
	if r.events == nil {
		return
	}
	payload.At = r.now()
	if err := r.events.PublishJSON(events.EventDiscrepancyFound, payload); err != nil {
		r.logger.Warn().Err(err).Msg("failed to publish discrepancy")
	}
}
