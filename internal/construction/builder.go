// Package construction turns eligible account-payments into dialer payload rows.
package construction

import (
	"context"
	"time"

	"colldialer/internal/domain"
	"colldialer/internal/eligibility"
	"colldialer/internal/errs"
	"colldialer/internal/logging"
	"colldialer/internal/metrics"
	"colldialer/internal/models"
	"colldialer/internal/pii"
	"colldialer/internal/repository"
	"colldialer/internal/settings"
	"colldialer/internal/tracker"

	"github.com/rs/zerolog"
)

const (
	recentContactDays = 30
	brokenPromiseDays = 10
)

// Store is the persistence the pipeline needs.
type Store interface {
	CandidatesByIDs(ctx context.Context, ids []int64, asOf time.Time) ([]models.Candidate, error)
	AccountsByIDs(ctx context.Context, ids []int64) (map[int64]models.Account, error)
	ContactAttempts(ctx context.Context, accountIDs []int64, from, to string) (map[int64][]models.ContactAttempt, error)
	RankingSignals(ctx context.Context, accountIDs []int64, contactFrom, promiseFrom, day string) (map[int64]models.RankingSignals, error)
	DistributionAssignments(ctx context.Context, cycle string, accountIDs []int64) (map[int64]string, error)
	SaveDistribution(ctx context.Context, cycle string, tracks map[int64]string) error
	UpsertPayloadRows(ctx context.Context, rows []models.PayloadRow) error
	InsertNotSent(ctx context.Context, records []models.NotSentRecord) error
}

// Outcome of a construction run. Skipped runs are not errors.
type Outcome struct {
	Bucket       string
	Day          string
	DialerTaskID int64
	Eligible     int
	Rows         int
	Skipped      bool
	Reason       string
}

type Builder struct {
	store   Store
	pii     domain.Detokenizer
	engine  *eligibility.Engine
	tracker *tracker.Tracker
	locks   *repository.DailyLocks
	logger  zerolog.Logger
}

func NewBuilder(store Store, detok domain.Detokenizer, engine *eligibility.Engine, tr *tracker.Tracker, locks *repository.DailyLocks, logger *zerolog.Logger) *Builder {
	return &Builder{
		store:   store,
		pii:     detok,
		engine:  engine,
		tracker: tr,
		locks:   locks,
		logger:  logging.Component(logger, "construction"),
	}
}

// Run constructs the bucket for the business day of asOf at most once. A second
// trigger while the first is running, or after it finished, returns a skipped outcome.
func (b *Builder) Run(ctx context.Context, d *settings.Dialer, asOf time.Time) (*Outcome, error) {
	asOf = asOf.In(d.Location)
	day := asOf.Format(models.DateLayout)
	name := d.Bucket.Name
	log := b.logger.With().Str("bucket", name).Str("day", day).Logger()

	acquired, err := b.locks.Acquire(ctx, repository.PurposeConstruct, name, day)
	if err != nil {
		return nil, errs.Transient(errs.Wrap(err, "acquire construction lock"))
	}
	if !acquired {
		log.Info().Msg("construction already in progress or done, skipping")
		return &Outcome{Bucket: name, Day: day, Skipped: true, Reason: "construction already in progress or done"}, nil
	}

	out, err := b.run(ctx, d, asOf, day)
	if err != nil {
		if rerr := b.locks.Release(ctx, repository.PurposeConstruct, name, day); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to release construction lock")
		}
		return nil, err
	}

	if err := b.locks.Done(ctx, repository.PurposeConstruct, name, day); err != nil {
		log.Warn().Err(err).Msg("failed to mark construction lock done")
	}
	if !out.Skipped {
		if err := b.locks.MarkConstructed(ctx, name, day); err != nil {
			log.Warn().Err(err).Msg("failed to record constructed bucket")
		}
	}
	return out, nil
}

func (b *Builder) run(ctx context.Context, d *settings.Dialer, asOf time.Time, day string) (*Outcome, error) {
	name := d.Bucket.Name
	task, err := b.tracker.Open(ctx, models.WorkConstruct, name, day)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Bucket: name, Day: day, DialerTaskID: task.ID}

	view, err := b.tracker.View(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	switch view.Status {
	case models.TaskStatusSuccess, models.TaskStatusSkipped:
		out.Skipped = true
		out.Reason = "already constructed today"
		return out, nil
	case models.TaskStatusFailure, models.TaskStatusQueried:
		if err := b.tracker.Transition(ctx, task.ID, models.TaskStatusRetrying, nil, errs.New("construction re-run")); err != nil {
			return nil, err
		}
	}

	if err := b.tracker.Transition(ctx, task.ID, models.TaskStatusQuerying, nil, nil); err != nil {
		return nil, err
	}

	res, err := b.engine.ComputeEligible(ctx, d, asOf)
	if err != nil {
		return nil, b.stageFailed(ctx, task.ID, err)
	}
	out.Eligible = len(res.Eligible)
	if err := b.tracker.Transition(ctx, task.ID, models.TaskStatusQueried, tracker.Int64(out.Eligible), nil); err != nil {
		return nil, err
	}

	if out.Eligible == 0 {
		out.Skipped = true
		out.Reason = "no data after exclusions"
		if err := b.tracker.Transition(ctx, task.ID, models.TaskStatusSkipped, tracker.Int64(0), nil); err != nil {
			return nil, err
		}
		b.logger.Info().Str("bucket", name).Str("day", day).Int("population", res.Total).Msg("nothing eligible after exclusions")
		return out, nil
	}

	rows, err := b.Construct(ctx, d, asOf, res.IDs())
	if err != nil {
		return nil, b.stageFailed(ctx, task.ID, err)
	}
	out.Rows = rows
	if err := b.tracker.Transition(ctx, task.ID, models.TaskStatusSuccess, tracker.Int64(rows), nil); err != nil {
		return nil, err
	}
	return out, nil
}

// stageFailed announces a retry for retryable failures and records FAILURE otherwise.
// A failure to record the status is returned alongside the cause.
func (b *Builder) stageFailed(ctx context.Context, taskID int64, cause error) error {
	status := models.TaskStatusRetrying
	if errs.KindOf(cause) == errs.KindStructural {
		status = models.TaskStatusFailure
	}
	if err := b.tracker.Transition(ctx, taskID, status, nil, cause); err != nil {
		b.logger.Error().Err(err).Int64("dialer_task_id", taskID).Msg("failed to record construction failure")
		return errs.CombineErrors(cause, err)
	}
	return cause
}

// Construct builds and stores payload rows for eligibleIDs, returning how many
// rows were written. Accounts whose phone or PII cannot be resolved are recorded
// as ineffective-phone exclusions and skipped.
func (b *Builder) Construct(ctx context.Context, d *settings.Dialer, asOf time.Time, eligibleIDs []int64) (int, error) {
	asOf = asOf.In(d.Location)
	day := asOf.Format(models.DateLayout)
	name := d.Bucket.Name
	if len(eligibleIDs) == 0 {
		return 0, nil
	}

	candidates, err := b.store.CandidatesByIDs(ctx, eligibleIDs, asOf)
	if err != nil {
		return 0, errs.Transient(errs.Wrap(err, "load candidates"))
	}
	accountIDs := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		accountIDs = append(accountIDs, c.AccountID)
	}

	items, unresolved, err := b.resolve(ctx, d, asOf, candidates, accountIDs)
	if err != nil {
		return 0, err
	}

	var diverted []Item
	if d.Bucket.IsRecoveryRanking() {
		signals, err := b.store.RankingSignals(ctx, accountIDs,
			asOf.AddDate(0, 0, -recentContactDays).Format(models.DateLayout),
			asOf.AddDate(0, 0, -brokenPromiseDays).Format(models.DateLayout),
			day)
		if err != nil {
			return 0, errs.Transient(errs.Wrap(err, "load ranking signals"))
		}
		for i := range items {
			items[i].Signals = signals[items[i].AccountID]
		}
		RankRecovery(items)

		if d.VendorFraction > 0 && d.Bucket.Track != models.TrackVendor {
			items, diverted, err = b.divert(ctx, d, asOf, items)
			if err != nil {
				return 0, err
			}
		}
	} else {
		RankDefault(items)
	}

	rows := make([]models.PayloadRow, 0, len(items))
	for i, it := range items {
		track := it.Track
		if track == "" {
			track = models.TrackInHouse
		}
		rows = append(rows, models.PayloadRow{
			BucketName:       name,
			Day:              day,
			AccountPaymentID: it.AccountPaymentID,
			AccountID:        it.AccountID,
			Phones:           it.Phones,
			CustomerName:     it.Name,
			MaskedVA:         pii.MaskVA(it.VA),
			DueDate:          it.DueDate,
			DueAmount:        it.DueAmount,
			Outstanding:      it.Outstanding,
			DPD:              it.DPD,
			SortOrder:        i + 1,
			Track:            track,
		})
	}

	var audit []models.NotSentRecord
	for _, c := range unresolved {
		audit = append(audit, models.NotSentRecord{AccountPaymentID: c.AccountPaymentID, BucketName: name, Day: day, Reason: models.ReasonIneffectivePhone})
	}
	for _, it := range diverted {
		audit = append(audit, models.NotSentRecord{AccountPaymentID: it.AccountPaymentID, BucketName: name, Day: day, Reason: models.ReasonVendorTrack})
	}
	if len(audit) > 0 {
		if err := b.store.InsertNotSent(ctx, audit); err != nil {
			return 0, errs.Transient(errs.Wrap(err, "record construction exclusions"))
		}
		metrics.AddExcluded(name, string(models.ReasonIneffectivePhone), len(unresolved))
		metrics.AddExcluded(name, string(models.ReasonVendorTrack), len(diverted))
	}

	if err := b.store.UpsertPayloadRows(ctx, rows); err != nil {
		return 0, errs.Transient(errs.Wrap(err, "store payload rows"))
	}
	metrics.AddConstructed(name, len(rows))

	b.logger.Info().
		Str("bucket", name).
		Str("day", day).
		Int("rows", len(rows)).
		Int("unresolved", len(unresolved)).
		Int("diverted", len(diverted)).
		Msg("payload rows constructed")
	return len(rows), nil
}

// resolve attaches effective phones and detokenized PII to every candidate.
func (b *Builder) resolve(ctx context.Context, d *settings.Dialer, asOf time.Time, candidates []models.Candidate, accountIDs []int64) ([]Item, []models.Candidate, error) {
	accounts, err := b.store.AccountsByIDs(ctx, accountIDs)
	if err != nil {
		return nil, nil, errs.Transient(errs.Wrap(err, "load accounts"))
	}

	policy := eligibility.PolicyFor(d)
	var attempts map[int64][]models.ContactAttempt
	if policy.Enabled() {
		attempts, err = b.store.ContactAttempts(ctx, accountIDs,
			policy.HistoryStart(asOf).Format(models.DateLayout),
			asOf.AddDate(0, 0, -1).Format(models.DateLayout))
		if err != nil {
			return nil, nil, errs.Transient(errs.Wrap(err, "load contact attempts"))
		}
	}

	tokens := make([]string, 0, len(accounts)*2)
	for _, a := range accounts {
		tokens = append(tokens, a.NameToken, a.VAToken)
	}
	values, err := b.pii.Detokenize(ctx, tokens)
	if err != nil {
		return nil, nil, errs.Wrap(err, "detokenize")
	}

	items := make([]Item, 0, len(candidates))
	var unresolved []models.Candidate
	for _, c := range candidates {
		acc, ok := accounts[c.AccountID]
		if !ok {
			unresolved = append(unresolved, c)
			continue
		}
		phones, _ := policy.Filter(acc.Phones, attempts[c.AccountID], asOf)
		name, nameOK := values[acc.NameToken]
		va, vaOK := values[acc.VAToken]
		if acc.VAToken == "" {
			vaOK = true
		}
		if len(phones) == 0 || !nameOK || !vaOK {
			unresolved = append(unresolved, c)
			continue
		}
		items = append(items, Item{Candidate: c, Phones: phones, Name: name, VA: va})
	}
	return items, unresolved, nil
}

// divert splits ranked items between the in-house and vendor tracks for the
// current distribution cycle and returns the in-house items and the diverted ones.
func (b *Builder) divert(ctx context.Context, d *settings.Dialer, asOf time.Time, ranked []Item) ([]Item, []Item, error) {
	cycle := Cycle(asOf, d.DistributionDay)
	ids := make([]int64, 0, len(ranked))
	for _, it := range ranked {
		ids = append(ids, it.AccountID)
	}
	existing, err := b.store.DistributionAssignments(ctx, cycle, ids)
	if err != nil {
		return nil, nil, errs.Transient(errs.Wrap(err, "load distribution"))
	}

	fresh := Divert(ranked, existing, d.VendorFraction)
	if len(fresh) > 0 {
		if err := b.store.SaveDistribution(ctx, cycle, fresh); err != nil {
			return nil, nil, errs.Transient(errs.Wrap(err, "save distribution"))
		}
	}

	kept := make([]Item, 0, len(ranked))
	var diverted []Item
	for _, it := range ranked {
		if it.Track == models.TrackVendor {
			diverted = append(diverted, it)
			continue
		}
		kept = append(kept, it)
	}
	return kept, diverted, nil
}
