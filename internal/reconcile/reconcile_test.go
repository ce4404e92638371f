package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"colldialer/internal/bucket"
	"colldialer/internal/database"
	"colldialer/internal/errs"
	"colldialer/internal/events"
	"colldialer/internal/models"
	"colldialer/internal/settings"
	"colldialer/internal/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jakarta = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		panic(err)
	}
	return loc
}()

// fakeVendor serves calls from memory with the vendor's paging rules.
type fakeVendor struct {
	mu    sync.Mutex
	calls map[string][]models.CallResult
	hits  int
}

func (f *fakeVendor) add(taskID string, starts ...time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string][]models.CallResult{}
	}
	for _, s := range starts {
		id := fmt.Sprintf("%s-c%d", taskID, len(f.calls[taskID])+1)
		f.calls[taskID] = append(f.calls[taskID], models.CallResult{CallID: id, RemoteTaskID: taskID, StartAt: s.UTC(), TalkResult: "ANSWERED"})
	}
}

func (f *fakeVendor) Calls(_ context.Context, q models.CallQuery) (*models.CallPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits++
	var match []models.CallResult
	for _, c := range f.calls[q.TaskID] {
		if q.CallID != "" && c.CallID != q.CallID {
			continue
		}
		if !q.Start.IsZero() && c.StartAt.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && !c.StartAt.Before(q.End) {
			continue
		}
		match = append(match, c)
	}
	page := &models.CallPage{Total: len(match)}
	if q.Limit <= 0 || q.Offset >= len(match) {
		return page, nil
	}
	end := q.Offset + q.Limit
	if end > len(match) {
		end = len(match)
	}
	page.Results = append(page.Results, match[q.Offset:end]...)
	return page, nil
}

func (f *fakeVendor) CreateTask(context.Context, models.TaskUpload) (string, error) { return "", nil }
func (f *fakeVendor) CancelCall(context.Context, string, string) error              { return nil }
func (f *fakeVendor) Recording(context.Context, string) (string, error)             { return "", nil }

func setup(t *testing.T, pageSize int) (*database.DB, *fakeVendor, *Reconciler) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "reconcile.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	vendor := &fakeVendor{}
	r := NewReconciler(db, vendor, tracker.New(db, "", nil), nil, pageSize, nil)
	return db, vendor, r
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 20, hour, minute, 0, 0, jakarta)
}

func TestDiscrepant(t *testing.T) {
	tests := []struct {
		vendor, local int
		threshold     float64
		want          bool
	}{
		{2000, 1995, 0.001, true},
		{2000, 1999, 0.001, false},
		{2000, 1998, 0.001, false},
		{2000, 1997, 0.001, true},
		{1000, 999, 0.001, false},
		{0, 0, 0.001, false},
		{10, 9, 0, true},
		{10, 12, 0.001, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d-%d", tt.vendor, tt.local), func(t *testing.T) {
			assert.Equal(t, tt.want, Discrepant(tt.vendor, tt.local, tt.threshold))
		})
	}
}

func TestReconcilePagesAndIsIdempotent(t *testing.T) {
	db, vendor, r := setup(t, 2)
	ctx := context.Background()
	vendor.add("vt-1", at(9, 1), at(9, 2), at(9, 3), at(9, 4), at(9, 5), at(11, 0))

	w := Window{Start: at(9, 0), End: at(10, 0)}
	n, err := r.Reconcile(ctx, "vt-1", w)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 3, vendor.hits)

	n, err = r.Reconcile(ctx, "vt-1", w)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	stored, err := db.CountCallResults(ctx, "vt-1", at(0, 0), at(23, 59))
	require.NoError(t, err)
	assert.Equal(t, 5, stored)
}

func TestReconcileCall(t *testing.T) {
	db, vendor, r := setup(t, 0)
	ctx := context.Background()
	vendor.add("vt-1", at(9, 1), at(9, 2))

	n, err := r.ReconcileCall(ctx, "vt-1", "vt-1-c2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = r.ReconcileCall(ctx, "vt-1", "vt-1-c9")
	assert.Equal(t, errs.KindNotReady, errs.KindOf(err))

	_, err = r.ReconcileCall(ctx, "vt-1", "")
	assert.Equal(t, errs.KindStructural, errs.KindOf(err))

	stored, err := db.CountCallResults(ctx, "vt-1", at(0, 0), at(23, 59))
	require.NoError(t, err)
	assert.Equal(t, 1, stored)
}

func TestSlices(t *testing.T) {
	hour := Window{Start: at(9, 0), End: at(10, 0)}
	slices := Slices(hour, 3*time.Minute)
	require.Len(t, slices, 20)
	for i := 1; i < len(slices); i++ {
		assert.Equal(t, slices[i-1].End, slices[i].Start)
	}
	assert.Equal(t, hour.End, slices[19].End)

	short := Slices(Window{Start: at(9, 0), End: at(9, 10)}, 3*time.Minute)
	require.Len(t, short, 4)
	assert.Equal(t, time.Minute, short[3].End.Sub(short[3].Start))

	assert.Empty(t, Slices(Window{Start: at(9, 0), End: at(9, 0)}, time.Minute))
	assert.Len(t, Slices(hour, 0), 1)
}

func TestHourOf(t *testing.T) {
	w := HourOf(time.Date(2024, 3, 20, 2, 30, 0, 0, time.UTC), jakarta)
	assert.True(t, w.Start.Equal(at(9, 0)))
	assert.True(t, w.End.Equal(at(10, 0)))
}

func TestRetroloadPlansSlicesPerTask(t *testing.T) {
	db, _, r := setup(t, 0)
	ctx := context.Background()
	for i, name := range []string{"b1", "b2", "b3"} {
		require.NoError(t, db.InsertRemoteTask(ctx, &models.RemoteTask{
			TaskID: fmt.Sprintf("vt-%d", i+1), BucketName: name, Day: "2024-03-20", Page: 1,
			ScheduleStart: at(8+i, 0), ScheduleEnd: at(20, 0),
		}))
	}

	slices, err := r.Retroload(ctx, "2024-03-20", Window{Start: at(9, 0), End: at(10, 0)}, 3*time.Minute,
		func(b string) bool { return b != "b2" })
	require.NoError(t, err)
	// b2 is filtered out and b3 had not started yet
	assert.Len(t, slices, 20)
	for _, s := range slices {
		assert.Equal(t, "vt-1", s.RemoteTaskID)
	}
}

func TestCheckBucketRepairsLaggingHours(t *testing.T) {
	db, vendor, r := setup(t, 100)
	ctx := context.Background()
	bus := events.NewEventBus()
	var alerts []events.AlertPayload
	bus.Subscribe(events.EventDiscrepancyFound, func(ev *events.Event) error {
		var p events.AlertPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		alerts = append(alerts, p)
		return nil
	})
	r.events = bus
	r.now = func() time.Time { return at(23, 30) }

	require.NoError(t, db.InsertRemoteTask(ctx, &models.RemoteTask{
		TaskID: "vt-1", BucketName: "b1", Day: "2024-03-20", Page: 1, ScheduleStart: at(8, 0), ScheduleEnd: at(20, 0),
	}))
	vendor.add("vt-1", at(9, 1), at(9, 2), at(9, 3), at(9, 4), at(9, 5), at(9, 6), at(10, 1), at(10, 2), at(10, 3), at(10, 4))

	// only the 09:00 hour and one call of 10:00 made it locally
	_, err := r.Reconcile(ctx, "vt-1", Window{Start: at(9, 0), End: at(10, 0)})
	require.NoError(t, err)
	_, err = r.ReconcileCall(ctx, "vt-1", "vt-1-c7")
	require.NoError(t, err)

	desc, err := bucket.Parse("b1")
	require.NoError(t, err)
	d := &settings.Dialer{Bucket: desc, Location: jakarta, DiscrepancyThreshold: 0.01, Mandatory: true}

	res, err := r.CheckBucket(ctx, d, "2024-03-20")
	require.NoError(t, err)
	require.Len(t, res.Checks, 1)
	assert.True(t, res.Checks[0].Discrepant)
	assert.Equal(t, 10, res.Checks[0].Vendor)
	assert.Equal(t, 7, res.Checks[0].Local)

	repairs := res.Repairs()
	require.Len(t, repairs, 1)
	assert.True(t, repairs[0].Start.Equal(at(10, 0)))
	assert.Equal(t, 4, repairs[0].Vendor)
	assert.Equal(t, 1, repairs[0].Local)

	require.Len(t, alerts, 1)
	assert.Equal(t, 10, alerts[0].Counts.Vendor)

	view, err := r.tracker.View(ctx, res.DialerTaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDiscrepancyRepairs, view.Status)

	for _, s := range Slices(repairs[0].Window, 3*time.Minute) {
		_, err := r.Reconcile(ctx, "vt-1", s)
		require.NoError(t, err)
	}

	again, err := r.CheckBucket(ctx, d, "2024-03-20")
	require.NoError(t, err)
	assert.Zero(t, again.Discrepant())
	view, err = r.tracker.View(ctx, res.DialerTaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, view.Status)

	done, err := r.CheckBucket(ctx, d, "2024-03-20")
	require.NoError(t, err)
	assert.True(t, done.Skipped)
}

func TestCheckBucketWithoutRemoteTasks(t *testing.T) {
	_, _, r := setup(t, 0)
	desc, err := bucket.Parse("b4")
	require.NoError(t, err)
	res, err := r.CheckBucket(context.Background(), &settings.Dialer{Bucket: desc, Location: jakarta}, "2024-03-20")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}
