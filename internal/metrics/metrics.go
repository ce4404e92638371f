package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "colldialer"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Job runs by handler and outcome.",
		},
		[]string{"handler", "outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent executing a job.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	vendorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_requests_total",
			Help:      "Vendor API calls by operation and result class.",
		},
		[]string{"operation", "result"},
	)

	rowsConstructed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_rows_constructed_total",
			Help:      "Payload rows written per bucket.",
		},
		[]string{"bucket"},
	)

	rowsExcluded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_excluded_total",
			Help:      "Account-payments excluded per bucket and reason.",
		},
		[]string{"bucket", "reason"},
	)

	pagesUploaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_uploaded_total",
			Help:      "Vendor task pages by bucket and outcome.",
		},
		[]string{"bucket", "outcome"},
	)

	callResultsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_results_ingested_total",
			Help:      "Call results upserted from the vendor.",
		},
	)

	discrepancies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discrepancies_total",
			Help:      "Vendor tasks whose local call count fell short.",
		},
		[]string{"bucket"},
	)

	coordinatorDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_degraded",
			Help:      "1 while coordination runs on the in-memory fallback.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			jobsTotal,
			jobDuration,
			vendorRequests,
			rowsConstructed,
			rowsExcluded,
			pagesUploaded,
			callResultsIngested,
			discrepancies,
			coordinatorDegraded,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// ObserveJob records one finished job run.
func ObserveJob(handler, outcome string, took time.Duration) {
	jobsTotal.WithLabelValues(handler, outcome).Inc()
	jobDuration.WithLabelValues(handler).Observe(took.Seconds())
}

func IncVendor(operation, result string) {
	vendorRequests.WithLabelValues(operation, result).Inc()
}

func AddConstructed(bucket string, n int) {
	rowsConstructed.WithLabelValues(bucket).Add(float64(n))
}

func AddExcluded(bucket, reason string, n int) {
	rowsExcluded.WithLabelValues(bucket, reason).Add(float64(n))
}

func IncPage(bucket, outcome string) {
	pagesUploaded.WithLabelValues(bucket, outcome).Inc()
}

func AddIngested(n int) {
	callResultsIngested.Add(float64(n))
}

func IncDiscrepancy(bucket string) {
	discrepancies.WithLabelValues(bucket).Inc()
}

func SetDegraded(degraded bool) {
	if degraded {
		coordinatorDegraded.Set(1)
		return
	}
	coordinatorDegraded.Set(0)
}
