package worker

import (
	"math"
	"time"
)

// Retry kinds stored on a job.
const (
	RetryExponential = "exponential"
	RetryLinear      = "linear"
	RetryFixed       = "fixed"
)

// RetryPolicy defines backoff parameters.
type RetryPolicy struct {
	Kind          string
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
// Linear grows by InitialDelay per attempt; fixed always waits InitialDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	var d time.Duration
	switch r.Kind {
	case RetryLinear:
		d = r.InitialDelay * time.Duration(attempt)
	case RetryFixed:
		d = r.InitialDelay
	default:
		delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
		d = time.Duration(delay)
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}
