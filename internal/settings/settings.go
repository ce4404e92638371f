// Package settings resolves the effective configuration of one bucket by layering
// feature flags from the feature_settings table over the YAML defaults.
package settings

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"colldialer/internal/bucket"
	"colldialer/internal/config"
	"colldialer/internal/errs"
	"colldialer/internal/models"
)

// Feature flag names.
const (
	FeatureBatchSize       = "dialer_batch_size"
	FeatureDiscrepancy     = "dialer_discrepancy"
	FeatureIneffective     = "dialer_ineffective_phone"
	FeatureMandatoryAlert  = "dialer_mandatory_alert"
	FeatureSchedule        = "dialer_schedule"
	FeatureExperiments     = "dialer_experiments"
	FeatureDistribution    = "dialer_recovery_distribution"
	FeatureBucketRanges    = "dialer_bucket_ranges"
	ReconcileBoth          = "both"
	ReconcileWebhookOnly   = "webhook"
	ReconcileRetroloadOnly = "retroload"
)

// FeatureStore is the key to JSON flag store.
type FeatureStore interface {
	GetFeatureSetting(ctx context.Context, name string) (*models.FeatureSetting, error)
}

// Schedule is the calling window and repeat policy of vendor tasks.
type Schedule struct {
	Start          string `json:"start"`
	End            string `json:"end"`
	RepeatInterval int    `json:"repeat_interval"`
	RepeatCount    int    `json:"repeat_count"`
}

// Window returns the absolute schedule window on day in loc.
func (s Schedule) Window(day string, loc *time.Location) (time.Time, time.Time, error) {
	d, err := time.ParseInLocation(models.DateLayout, day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, errs.Structural(err)
	}
	sh, sm, err := config.ParseClock(s.Start)
	if err != nil {
		return time.Time{}, time.Time{}, errs.Structural(err)
	}
	eh, em, err := config.ParseClock(s.End)
	if err != nil {
		return time.Time{}, time.Time{}, errs.Structural(err)
	}
	start := d.Add(time.Duration(sh)*time.Hour + time.Duration(sm)*time.Minute)
	end := d.Add(time.Duration(eh)*time.Hour + time.Duration(em)*time.Minute)
	if !end.After(start) {
		return time.Time{}, time.Time{}, errs.Structuralf("schedule end %s is not after start %s", s.End, s.Start)
	}
	return start, end, nil
}

// Ineffective holds the phone suppression thresholds.
type Ineffective struct {
	ConsecutiveDays int `json:"consecutive_days"`
	LookbackDays    int `json:"lookback_days"`
	RefreshDays     int `json:"refresh_days"`
}

// Experiment is one entry of the experiments flag.
type Experiment struct {
	ExcludeGroups []string `json:"exclude_groups"`
	Waves         []string `json:"waves"`
	NextWaveHour  int      `json:"next_wave_hour"`
}

// Dialer is the typed configuration of one bucket for one unit of work.
type Dialer struct {
	Bucket    bucket.Descriptor
	Location  *time.Location
	Mandatory bool
	Disabled  bool

	BatchSize      int
	TaskRowCeiling int
	Schedule       Schedule

	MaxRetries       int
	RetryUnit        time.Duration
	NotReadyDelay    time.Duration
	NotReadyMaxWaits int

	DiscrepancyThreshold float64
	ReconcileMethod      string
	RetroloadSlice       time.Duration
	WebhookDelay         time.Duration

	Ineffective Ineffective

	VendorFraction  float64
	DistributionDay int

	// ExcludeGroups are the experiment groups carved out of this bucket.
	ExcludeGroups []string
	Waves         []string
	NextWaveHour  int
}

// HasNextWave reports whether name is configured as a wave of this bucket's experiment.
func (d *Dialer) HasNextWave(name string) bool {
	for _, w := range d.Waves {
		if w == name {
			return true
		}
	}
	return false
}

// Resolver builds Dialer values.
type Resolver struct {
	cfg   *config.Config
	store FeatureStore
}

func NewResolver(cfg *config.Config, store FeatureStore) *Resolver {
	return &Resolver{cfg: cfg, store: store}
}

// Location is the business timezone.
func (r *Resolver) Location() *time.Location {
	return r.cfg.Location()
}

// Today returns the business day key of now.
func (r *Resolver) Today(now time.Time) string {
	return now.In(r.Location()).Format(models.DateLayout)
}

// Buckets returns the names of configured, enabled buckets.
func (r *Resolver) Buckets() []string {
	var out []string
	for _, b := range r.cfg.Buckets {
		if !b.Disabled {
			out = append(out, strings.ToLower(strings.TrimSpace(b.Name)))
		}
	}
	return out
}

// Resolve returns the effective settings of bucketName.
func (r *Resolver) Resolve(ctx context.Context, bucketName string) (*Dialer, error) {
	desc, err := bucket.Parse(bucketName)
	if err != nil {
		return nil, err
	}

	dc := r.cfg.Dialer
	d := &Dialer{
		Bucket:         desc,
		Location:       r.cfg.Location(),
		BatchSize:      dc.DefaultBatchSize,
		TaskRowCeiling: r.cfg.Vendor.TaskRowCeiling,
		Schedule: Schedule{
			Start:          dc.ScheduleStart,
			End:            dc.ScheduleEnd,
			RepeatInterval: dc.RepeatIntervalMinutes,
			RepeatCount:    dc.RepeatCount,
		},
		MaxRetries:           dc.MaxRetries,
		RetryUnit:            time.Duration(dc.RetryUnitSeconds) * time.Second,
		NotReadyDelay:        time.Duration(dc.NotReadyDelaySeconds) * time.Second,
		NotReadyMaxWaits:     dc.NotReadyMaxWaits,
		DiscrepancyThreshold: dc.DiscrepancyThreshold,
		ReconcileMethod:      ReconcileBoth,
		RetroloadSlice:       time.Duration(dc.RetroloadSliceMinutes) * time.Minute,
		WebhookDelay:         time.Duration(dc.WebhookDelaySeconds) * time.Second,
		Ineffective: Ineffective{
			ConsecutiveDays: dc.IneffectiveConsecutive,
			LookbackDays:    dc.IneffectiveLookback,
			RefreshDays:     dc.IneffectiveRefresh,
		},
		VendorFraction:  dc.VendorFraction,
		DistributionDay: dc.DistributionDay,
		NextWaveHour:    dc.NextWaveHour,
	}

	if bc, ok := r.cfg.Bucket(desc.Name); ok {
		d.Bucket = d.Bucket.WithRange(bc.DPDMin, bc.DPDMax)
		d.Mandatory = bc.Mandatory
		d.Disabled = bc.Disabled
		if bc.BatchSize > 0 {
			d.BatchSize = bc.BatchSize
		}
		if bc.ScheduleStart != "" {
			d.Schedule.Start = bc.ScheduleStart
		}
		if bc.ScheduleEnd != "" {
			d.Schedule.End = bc.ScheduleEnd
		}
	}

	steps := []func(context.Context, *Dialer) error{
		r.applyRanges,
		r.applyBatchSize,
		r.applySchedule,
		r.applyDiscrepancy,
		r.applyIneffective,
		r.applyDistribution,
		r.applyExperiments,
		r.applyMandatory,
	}
	for _, step := range steps {
		if err := step(ctx, d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// flag decodes the parameters of an active flag into v. Inactive or missing flags leave v untouched.
func (r *Resolver) flag(ctx context.Context, name string, v interface{}) (bool, error) {
	if r.store == nil {
		return false, nil
	}
	fs, err := r.store.GetFeatureSetting(ctx, name)
	if err != nil {
		return false, errs.Transient(errs.Wrapf(err, "load feature %s", name))
	}
	if fs == nil || !fs.IsActive || len(fs.Parameters) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(fs.Parameters, v); err != nil {
		return false, errs.Structural(errs.Wrapf(err, "decode feature %s", name))
	}
	return true, nil
}

func (r *Resolver) applyRanges(ctx context.Context, d *Dialer) error {
	var ranges map[string]struct {
		Min *int `json:"min"`
		Max *int `json:"max"`
	}
	if ok, err := r.flag(ctx, FeatureBucketRanges, &ranges); err != nil || !ok {
		return err
	}
	for _, key := range []string{string(d.Bucket.Family), d.Bucket.Name} {
		if rg, ok := ranges[key]; ok {
			d.Bucket = d.Bucket.WithRange(rg.Min, rg.Max)
		}
	}
	return nil
}

func (r *Resolver) applyBatchSize(ctx context.Context, d *Dialer) error {
	var sizes map[string]int
	if ok, err := r.flag(ctx, FeatureBatchSize, &sizes); err != nil || !ok {
		return err
	}
	for _, key := range []string{"default", string(d.Bucket.Family), d.Bucket.Name} {
		if n, ok := sizes[key]; ok && n > 0 {
			d.BatchSize = n
		}
	}
	return nil
}

func (r *Resolver) applySchedule(ctx context.Context, d *Dialer) error {
	var schedules map[string]Schedule
	if ok, err := r.flag(ctx, FeatureSchedule, &schedules); err != nil || !ok {
		return err
	}
	for _, key := range []string{string(d.Bucket.Family), d.Bucket.Campaign(), d.Bucket.Name} {
		s, ok := schedules[key]
		if !ok {
			continue
		}
		if s.Start != "" {
			d.Schedule.Start = s.Start
		}
		if s.End != "" {
			d.Schedule.End = s.End
		}
		if s.RepeatInterval > 0 {
			d.Schedule.RepeatInterval = s.RepeatInterval
		}
		if s.RepeatCount > 0 {
			d.Schedule.RepeatCount = s.RepeatCount
		}
	}
	return nil
}

func (r *Resolver) applyDiscrepancy(ctx context.Context, d *Dialer) error {
	var p struct {
		Threshold *float64 `json:"threshold"`
		Method    string   `json:"method"`
	}
	if ok, err := r.flag(ctx, FeatureDiscrepancy, &p); err != nil || !ok {
		return err
	}
	if p.Threshold != nil {
		if *p.Threshold < 0 || *p.Threshold >= 1 {
			return errs.Structuralf("discrepancy threshold %v out of range", *p.Threshold)
		}
		d.DiscrepancyThreshold = *p.Threshold
	}
	switch p.Method {
	case "":
	case ReconcileBoth, ReconcileWebhookOnly, ReconcileRetroloadOnly:
		d.ReconcileMethod = p.Method
	default:
		return errs.Structuralf("unknown reconciliation method %q", p.Method)
	}
	return nil
}

func (r *Resolver) applyIneffective(ctx context.Context, d *Dialer) error {
	var p Ineffective
	if ok, err := r.flag(ctx, FeatureIneffective, &p); err != nil || !ok {
		return err
	}
	if p.ConsecutiveDays > 0 {
		d.Ineffective.ConsecutiveDays = p.ConsecutiveDays
	}
	if p.LookbackDays > 0 {
		d.Ineffective.LookbackDays = p.LookbackDays
	}
	if p.RefreshDays > 0 {
		d.Ineffective.RefreshDays = p.RefreshDays
	}
	return nil
}

func (r *Resolver) applyDistribution(ctx context.Context, d *Dialer) error {
	var p struct {
		VendorFraction  *float64 `json:"vendor_fraction"`
		DistributionDay int      `json:"distribution_day"`
	}
	if ok, err := r.flag(ctx, FeatureDistribution, &p); err != nil || !ok {
		return err
	}
	if p.VendorFraction != nil {
		if *p.VendorFraction < 0 || *p.VendorFraction > 1 {
			return errs.Structuralf("vendor fraction %v out of range", *p.VendorFraction)
		}
		d.VendorFraction = *p.VendorFraction
	}
	if p.DistributionDay >= 1 && p.DistributionDay <= 28 {
		d.DistributionDay = p.DistributionDay
	}
	return nil
}

func (r *Resolver) applyExperiments(ctx context.Context, d *Dialer) error {
	if d.Bucket.Experiment == "" {
		return nil
	}
	var experiments map[string]Experiment
	if ok, err := r.flag(ctx, FeatureExperiments, &experiments); err != nil || !ok {
		return err
	}
	exp, ok := experiments[d.Bucket.Experiment]
	if !ok {
		return nil
	}
	d.ExcludeGroups = exp.ExcludeGroups
	d.Waves = exp.Waves
	if exp.NextWaveHour > 0 {
		d.NextWaveHour = exp.NextWaveHour
	}
	return nil
}

// applyMandatory: a bucket is mandatory if the YAML says so or it appears in any alert list.
func (r *Resolver) applyMandatory(ctx context.Context, d *Dialer) error {
	var lists map[string][]string
	if ok, err := r.flag(ctx, FeatureMandatoryAlert, &lists); err != nil || !ok {
		return err
	}
	for _, names := range lists {
		for _, n := range names {
			n = strings.ToLower(strings.TrimSpace(n))
			if n == d.Bucket.Name || n == d.Bucket.Campaign() {
				d.Mandatory = true
				return nil
			}
		}
	}
	return nil
}
