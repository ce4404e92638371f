package settings

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"colldialer/internal/config"
	"colldialer/internal/errs"
	"colldialer/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	flags map[string]*models.FeatureSetting
	err   error
}

func (f *fakeStore) GetFeatureSetting(_ context.Context, name string) (*models.FeatureSetting, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.flags[name], nil
}

func (f *fakeStore) set(name string, active bool, params interface{}) {
	raw, _ := json.Marshal(params)
	if f.flags == nil {
		f.flags = make(map[string]*models.FeatureSetting)
	}
	f.flags[name] = &models.FeatureSetting{Name: name, IsActive: active, Parameters: raw}
}

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Path: "x.db"},
		Vendor:   config.VendorConfig{BaseURL: "http://vendor", TaskRowCeiling: 50000},
		Dialer: config.DialerConfig{
			Timezone:               "Asia/Jakarta",
			DefaultBatchSize:       5000,
			MaxRetries:             3,
			RetryUnitSeconds:       60,
			NotReadyDelaySeconds:   300,
			NotReadyMaxWaits:       6,
			WebhookDelaySeconds:    30,
			RetroloadSliceMinutes:  3,
			DiscrepancyThreshold:   0.001,
			NextWaveHour:           14,
			IneffectiveConsecutive: 3,
			IneffectiveLookback:    7,
			IneffectiveRefresh:     14,
			VendorFraction:         0.2,
			DistributionDay:        1,
			ScheduleStart:          "08:00",
			ScheduleEnd:            "20:00",
			RepeatIntervalMinutes:  60,
			RepeatCount:            3,
		},
		Buckets: []config.BucketConfig{
			{Name: "b1", Mandatory: true},
			{Name: "b2", BatchSize: 1200, ScheduleStart: "09:00"},
			{Name: "b4", Disabled: true},
		},
	}
}

func TestResolveDefaults(t *testing.T) {
	r := NewResolver(testConfig(), nil)

	d, err := r.Resolve(context.Background(), "B1")
	require.NoError(t, err)
	assert.Equal(t, "b1", d.Bucket.Name)
	assert.True(t, d.Mandatory)
	assert.Equal(t, 5000, d.BatchSize)
	assert.Equal(t, 50000, d.TaskRowCeiling)
	assert.Equal(t, time.Minute, d.RetryUnit)
	assert.Equal(t, 3*time.Minute, d.RetroloadSlice)
	assert.Equal(t, ReconcileBoth, d.ReconcileMethod)
	assert.Equal(t, Ineffective{ConsecutiveDays: 3, LookbackDays: 7, RefreshDays: 14}, d.Ineffective)

	d, err = r.Resolve(context.Background(), "b2")
	require.NoError(t, err)
	assert.False(t, d.Mandatory)
	assert.Equal(t, 1200, d.BatchSize)
	assert.Equal(t, "09:00", d.Schedule.Start)
	assert.Equal(t, "20:00", d.Schedule.End)

	assert.Equal(t, []string{"b1", "b2"}, r.Buckets())
}

func TestResolveUnknownFamily(t *testing.T) {
	r := NewResolver(testConfig(), nil)
	_, err := r.Resolve(context.Background(), "b9")
	require.Error(t, err)
	assert.Equal(t, errs.KindStructural, errs.KindOf(err))
}

func TestResolveFeatureOverrides(t *testing.T) {
	store := &fakeStore{}
	store.set(FeatureBatchSize, true, map[string]int{"default": 4000, "b3": 2500, "b3-bttc-b": 900})
	store.set(FeatureDiscrepancy, true, map[string]interface{}{"threshold": 0.01, "method": "retroload"})
	store.set(FeatureIneffective, true, map[string]int{"consecutive_days": 5})
	store.set(FeatureSchedule, true, map[string]Schedule{"b3-bttc": {Start: "10:00", RepeatCount: 5}})
	store.set(FeatureExperiments, true, map[string]Experiment{
		"bttc": {ExcludeGroups: []string{"control"}, Waves: []string{"b3-bttc-a", "b3-bttc-b"}, NextWaveHour: 13},
	})
	store.set(FeatureDistribution, true, map[string]interface{}{"vendor_fraction": 0.35, "distribution_day": 5})
	store.set(FeatureBucketRanges, true, map[string]map[string]int{"b3": {"min": 45}})

	r := NewResolver(testConfig(), store)
	d, err := r.Resolve(context.Background(), "b3-bttc-b")
	require.NoError(t, err)

	assert.Equal(t, 900, d.BatchSize)
	assert.Equal(t, 0.01, d.DiscrepancyThreshold)
	assert.Equal(t, ReconcileRetroloadOnly, d.ReconcileMethod)
	assert.Equal(t, 5, d.Ineffective.ConsecutiveDays)
	assert.Equal(t, 7, d.Ineffective.LookbackDays)
	assert.Equal(t, "10:00", d.Schedule.Start)
	assert.Equal(t, 5, d.Schedule.RepeatCount)
	assert.Equal(t, []string{"control"}, d.ExcludeGroups)
	assert.True(t, d.HasNextWave("b3-bttc-b"))
	assert.False(t, d.HasNextWave("b3-bttc-c"))
	assert.Equal(t, 13, d.NextWaveHour)
	assert.Equal(t, 0.35, d.VendorFraction)
	assert.Equal(t, 5, d.DistributionDay)
	assert.Equal(t, 45, d.Bucket.DPD.Min)
	assert.Equal(t, 70, d.Bucket.DPD.Max)
}

func TestResolveIgnoresInactiveFlags(t *testing.T) {
	store := &fakeStore{}
	store.set(FeatureBatchSize, false, map[string]int{"default": 10})

	d, err := NewResolver(testConfig(), store).Resolve(context.Background(), "b5")
	require.NoError(t, err)
	assert.Equal(t, 5000, d.BatchSize)
}

func TestResolveMandatoryUnion(t *testing.T) {
	store := &fakeStore{}
	store.set(FeatureMandatoryAlert, true, map[string][]string{
		"regular":    {"b2"},
		"special":    {"b5-recovery"},
		"experiment": {"b3-bttc"},
	})
	r := NewResolver(testConfig(), store)

	cases := map[string]bool{
		"b1":          true,
		"b2":          true,
		"b5-recovery": true,
		"b3-bttc-a":   true,
		"b3":          false,
		"b6":          false,
	}
	for name, want := range cases {
		d, err := r.Resolve(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, want, d.Mandatory, name)
	}
}

func TestResolveRejectsBadFlags(t *testing.T) {
	store := &fakeStore{}
	store.set(FeatureDiscrepancy, true, map[string]interface{}{"method": "carrier-pigeon"})
	_, err := NewResolver(testConfig(), store).Resolve(context.Background(), "b1")
	require.Error(t, err)
	assert.Equal(t, errs.KindStructural, errs.KindOf(err))

	store = &fakeStore{flags: map[string]*models.FeatureSetting{
		FeatureBatchSize: {Name: FeatureBatchSize, IsActive: true, Parameters: json.RawMessage(`[1,2`)},
	}}
	_, err = NewResolver(testConfig(), store).Resolve(context.Background(), "b1")
	assert.Equal(t, errs.KindStructural, errs.KindOf(err))
}

func TestResolveStoreFailureIsTransient(t *testing.T) {
	store := &fakeStore{err: errors.New("database is locked")}
	_, err := NewResolver(testConfig(), store).Resolve(context.Background(), "b1")
	require.Error(t, err)
	assert.Equal(t, errs.KindTransient, errs.KindOf(err))
}

func TestScheduleWindow(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)

	start, end, err := Schedule{Start: "08:00", End: "20:30"}.Window("2024-03-05", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 8, 0, 0, 0, loc), start)
	assert.Equal(t, time.Date(2024, 3, 5, 20, 30, 0, 0, loc), end)

	_, _, err = Schedule{Start: "20:00", End: "08:00"}.Window("2024-03-05", loc)
	assert.Equal(t, errs.KindStructural, errs.KindOf(err))
}

func TestToday(t *testing.T) {
	r := NewResolver(testConfig(), nil)
	// 18:30 UTC is 01:30 next day in Jakarta.
	assert.Equal(t, "2024-03-06", r.Today(time.Date(2024, 3, 5, 18, 30, 0, 0, time.UTC)))
}
