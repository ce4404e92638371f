package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"colldialer/internal/errs"
	"colldialer/internal/models"

	"github.com/google/uuid"
)

// Option customizes a job built by NewJob.
type Option func(*models.Job) error

// OnQueue routes the job to a named queue.
func OnQueue(queue string) Option {
	return func(j *models.Job) error {
		j.Queue = queue
		return nil
	}
}

// In delays the first run by d.
func In(d time.Duration) Option {
	return func(j *models.Job) error {
		j.RunAt = time.Now().Add(d)
		return nil
	}
}

// At schedules the first run at t.
func At(t time.Time) Option {
	return func(j *models.Job) error {
		j.RunAt = t
		return nil
	}
}

// WithRetry sets the retry kind and the attempt budget, first run included.
func WithRetry(kind string, maxAttempts int) Option {
	return func(j *models.Job) error {
		j.Retry = kind
		j.MaxAttempts = maxAttempts
		return nil
	}
}

// Then chains next to run after this job completes.
func Then(next *models.Job) Option {
	return func(j *models.Job) error {
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode chained job: %w", err)
		}
		j.Chain = string(raw)
		return nil
	}
}

// NewJob builds a pending job for handler with a JSON payload.
func NewJob(handler string, payload interface{}, opts ...Option) (*models.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	job := &models.Job{
		ID:          uuid.NewString(),
		Handler:     handler,
		Queue:       models.QueueNormal,
		Payload:     string(raw),
		Status:      models.JobStatusPending,
		MaxAttempts: 1,
		Retry:       RetryFixed,
		RunAt:       time.Now(),
	}
	for _, opt := range opts {
		if err := opt(job); err != nil {
			return nil, err
		}
	}
	return job, nil
}

// Chain links jobs so each runs after the previous one completes and returns the head.
func Chain(jobs ...*models.Job) (*models.Job, error) {
	if len(jobs) == 0 {
		return nil, errs.New("empty chain")
	}
	for i := len(jobs) - 2; i >= 0; i-- {
		if err := Then(jobs[i+1])(jobs[i]); err != nil {
			return nil, err
		}
	}
	return jobs[0], nil
}

// Decode unmarshals the job payload. A payload that does not decode can never succeed.
func Decode(job *models.Job, v interface{}) error {
	if err := json.Unmarshal([]byte(job.Payload), v); err != nil {
		return errs.Structural(errs.Wrapf(err, "decode %s payload", job.Handler))
	}
	return nil
}

// Next decodes the job chained after job, ready to enqueue, or nil at the end of a chain.
func Next(job *models.Job) (*models.Job, error) {
	if job.Chain == "" {
		return nil, nil
	}
	var next models.Job
	if err := json.Unmarshal([]byte(job.Chain), &next); err != nil {
		return nil, err
	}
	// fresh identity for the next link; the stored copy may be replayed
	next.ID = uuid.NewString()
	next.Status = models.JobStatusPending
	next.Attempt = 0
	next.Waits = 0
	if next.RunAt.Before(time.Now()) {
		next.RunAt = time.Now()
	}
	return &next, nil
}
