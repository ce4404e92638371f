// Package eligibility selects the account-payments a bucket may call today.
//
// The base population is scanned page by page and every page runs through an
// ordered chain of exclusion filters. The first filter that matches wins, so an
// account-payment is excluded with exactly one reason.
package eligibility

import (
	"context"
	"time"

	"colldialer/internal/errs"
	"colldialer/internal/logging"
	"colldialer/internal/metrics"
	"colldialer/internal/models"
	"colldialer/internal/phone"
	"colldialer/internal/settings"

	"github.com/rs/zerolog"
)

const defaultPageSize = 1000

// oldestDue caps open-ended DPD ranges.
const oldestDue = "1900-01-01"

// Population is the read side the filters run against, plus the not-sent audit.
type Population interface {
	ScanBasePopulation(ctx context.Context, dueFrom, dueTo string, asOf time.Time, pageSize int, fn func([]models.Candidate) error) error
	ActivePTP(ctx context.Context, accountPaymentIDs []int64, day string) (map[int64]bool, error)
	PendingRefinancing(ctx context.Context, accountIDs []int64, day string) (map[int64]bool, error)
	Blacklisted(ctx context.Context, accountIDs []int64, day string) (map[int64]bool, error)
	ActiveAutodebet(ctx context.Context, accountIDs []int64) (map[int64]bool, error)
	ExperimentMembers(ctx context.Context, accountIDs []int64, experiment string, groups []string) (map[int64]bool, error)
	AccountsByIDs(ctx context.Context, ids []int64) (map[int64]models.Account, error)
	ContactAttempts(ctx context.Context, accountIDs []int64, from, to string) (map[int64][]models.ContactAttempt, error)
	InsertNotSent(ctx context.Context, records []models.NotSentRecord) error
}

// Input is one page of candidates handed to a filter.
type Input struct {
	Dialer     *settings.Dialer
	Day        string
	AsOf       time.Time
	Candidates []models.Candidate
}

func (in Input) accountIDs() []int64 {
	ids := make([]int64, 0, len(in.Candidates))
	for _, c := range in.Candidates {
		ids = append(ids, c.AccountID)
	}
	return ids
}

func (in Input) paymentIDs() []int64 {
	ids := make([]int64, 0, len(in.Candidates))
	for _, c := range in.Candidates {
		ids = append(ids, c.AccountPaymentID)
	}
	return ids
}

// byAccount maps an account-level id set onto the page's account-payment ids.
func (in Input) byAccount(accounts map[int64]bool) map[int64]bool {
	out := make(map[int64]bool)
	for _, c := range in.Candidates {
		if accounts[c.AccountID] {
			out[c.AccountPaymentID] = true
		}
	}
	return out
}

// Filter excludes account-payments for one reason.
type Filter struct {
	Reason  models.ExclusionReason
	Exclude func(ctx context.Context, in Input) (map[int64]bool, error)
}

// Result of one eligibility run.
type Result struct {
	Bucket   string
	Day      string
	Total    int
	Eligible []models.Candidate
	Excluded map[int64]models.ExclusionReason
}

// IDs returns the eligible account-payment ids in scan order.
func (r *Result) IDs() []int64 {
	ids := make([]int64, 0, len(r.Eligible))
	for _, c := range r.Eligible {
		ids = append(ids, c.AccountPaymentID)
	}
	return ids
}

// ReasonCounts tallies exclusions per reason.
func (r *Result) ReasonCounts() map[models.ExclusionReason]int {
	out := make(map[models.ExclusionReason]int)
	for _, reason := range r.Excluded {
		out[reason]++
	}
	return out
}

type Engine struct {
	pop      Population
	pageSize int
	logger   zerolog.Logger
}

func NewEngine(pop Population, pageSize int, logger *zerolog.Logger) *Engine {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Engine{pop: pop, pageSize: pageSize, logger: logging.Component(logger, "eligibility")}
}

// Filters returns the ordered exclusion chain for d.
func (e *Engine) Filters(d *settings.Dialer) []Filter {
	filters := []Filter{
		{Reason: models.ReasonActivePTP, Exclude: e.activePTP},
		{Reason: models.ReasonPendingRefinancing, Exclude: e.pendingRefinancing},
		{Reason: models.ReasonBlacklist, Exclude: e.blacklist},
		{Reason: models.ReasonAutodebet, Exclude: e.autodebet},
		{Reason: models.ReasonIneffectivePhone, Exclude: e.ineffectivePhone},
	}
	if d.Bucket.Experiment != "" && len(d.ExcludeGroups) > 0 {
		filters = append(filters, Filter{Reason: models.ReasonExperiment, Exclude: e.experiment})
	}
	return filters
}

// ComputeEligible scans the bucket's base population as of asOf and applies the
// exclusion chain. Any filter error aborts the run.
func (e *Engine) ComputeEligible(ctx context.Context, d *settings.Dialer, asOf time.Time) (*Result, error) {
	asOf = asOf.In(d.Location)
	day := asOf.Format(models.DateLayout)
	dueFrom, dueTo := DueWindow(d, asOf)

	res := &Result{Bucket: d.Bucket.Name, Day: day, Excluded: make(map[int64]models.ExclusionReason)}
	filters := e.Filters(d)

	err := e.pop.ScanBasePopulation(ctx, dueFrom, dueTo, asOf, e.pageSize, func(page []models.Candidate) error {
		res.Total += len(page)
		remaining := page
		var audit []models.NotSentRecord

		for _, f := range filters {
			if len(remaining) == 0 {
				break
			}
			excluded, err := f.Exclude(ctx, Input{Dialer: d, Day: day, AsOf: asOf, Candidates: remaining})
			if err != nil {
				return errs.Wrapf(err, "filter %q", f.Reason)
			}
			if len(excluded) == 0 {
				continue
			}
			kept := make([]models.Candidate, 0, len(remaining))
			for _, c := range remaining {
				if !excluded[c.AccountPaymentID] {
					kept = append(kept, c)
					continue
				}
				res.Excluded[c.AccountPaymentID] = f.Reason
				audit = append(audit, models.NotSentRecord{
					AccountPaymentID: c.AccountPaymentID,
					BucketName:       d.Bucket.Name,
					Day:              day,
					Reason:           f.Reason,
				})
			}
			remaining = kept
		}

		if len(audit) > 0 {
			if err := e.pop.InsertNotSent(ctx, audit); err != nil {
				return errs.Transient(errs.Wrap(err, "record exclusions"))
			}
		}
		res.Eligible = append(res.Eligible, remaining...)
		return nil
	})
	if err != nil {
		if errs.KindOf(err) == errs.KindStructural {
			return nil, err
		}
		return nil, errs.Transient(errs.Wrapf(err, "eligibility of %s", d.Bucket.Name))
	}

	for reason, n := range res.ReasonCounts() {
		metrics.AddExcluded(d.Bucket.Name, string(reason), n)
	}
	e.logger.Info().
		Str("bucket", d.Bucket.Name).
		Str("day", day).
		Int("population", res.Total).
		Int("eligible", len(res.Eligible)).
		Int("excluded", len(res.Excluded)).
		Msg("eligibility computed")
	return res, nil
}

// DueWindow converts the bucket's DPD range into an inclusive due-date window.
func DueWindow(d *settings.Dialer, asOf time.Time) (string, string) {
	dueTo := asOf.AddDate(0, 0, -d.Bucket.DPD.Min).Format(models.DateLayout)
	if d.Bucket.DPD.Max > 365*100 {
		return oldestDue, dueTo
	}
	return asOf.AddDate(0, 0, -d.Bucket.DPD.Max).Format(models.DateLayout), dueTo
}

func (e *Engine) activePTP(ctx context.Context, in Input) (map[int64]bool, error) {
	return e.pop.ActivePTP(ctx, in.paymentIDs(), in.Day)
}

func (e *Engine) pendingRefinancing(ctx context.Context, in Input) (map[int64]bool, error) {
	accounts, err := e.pop.PendingRefinancing(ctx, in.accountIDs(), in.Day)
	if err != nil {
		return nil, err
	}
	return in.byAccount(accounts), nil
}

func (e *Engine) blacklist(ctx context.Context, in Input) (map[int64]bool, error) {
	accounts, err := e.pop.Blacklisted(ctx, in.accountIDs(), in.Day)
	if err != nil {
		return nil, err
	}
	return in.byAccount(accounts), nil
}

func (e *Engine) autodebet(ctx context.Context, in Input) (map[int64]bool, error) {
	accounts, err := e.pop.ActiveAutodebet(ctx, in.accountIDs())
	if err != nil {
		return nil, err
	}
	return in.byAccount(accounts), nil
}

// ineffectivePhone excludes accounts with no phone left after suppression.
func (e *Engine) ineffectivePhone(ctx context.Context, in Input) (map[int64]bool, error) {
	ids := in.accountIDs()
	accounts, err := e.pop.AccountsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	policy := PolicyFor(in.Dialer)
	var attempts map[int64][]models.ContactAttempt
	if policy.Enabled() {
		from := policy.HistoryStart(in.AsOf).Format(models.DateLayout)
		to := in.AsOf.AddDate(0, 0, -1).Format(models.DateLayout)
		attempts, err = e.pop.ContactAttempts(ctx, ids, from, to)
		if err != nil {
			return nil, err
		}
	}

	dead := make(map[int64]bool)
	for _, id := range ids {
		effective, _ := policy.Filter(accounts[id].Phones, attempts[id], in.AsOf)
		if len(effective) == 0 {
			dead[id] = true
		}
	}
	return in.byAccount(dead), nil
}

func (e *Engine) experiment(ctx context.Context, in Input) (map[int64]bool, error) {
	accounts, err := e.pop.ExperimentMembers(ctx, in.accountIDs(), in.Dialer.Bucket.Experiment, in.Dialer.ExcludeGroups)
	if err != nil {
		return nil, err
	}
	return in.byAccount(accounts), nil
}

// PolicyFor builds the ineffective-number policy of d.
func PolicyFor(d *settings.Dialer) phone.Policy {
	return phone.Policy{
		ConsecutiveDays: d.Ineffective.ConsecutiveDays,
		LookbackDays:    d.Ineffective.LookbackDays,
		RefreshDays:     d.Ineffective.RefreshDays,
	}
}
