package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the verifier pipeline. A nil *Metrics is a no-op.
type Metrics struct {
	pagesProcessed   prometheus.Counter
	submissions      *prometheus.CounterVec
	retriesEnqueued  prometheus.Counter
	terminalFailures prometheus.Counter
	loopErrors       prometheus.Counter
	streamDropped    prometheus.Counter
	batchDuration    prometheus.Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = newMetrics()
		prometheus.MustRegister(
			metrics.pagesProcessed,
			metrics.submissions,
			metrics.retriesEnqueued,
			metrics.terminalFailures,
			metrics.loopErrors,
			metrics.streamDropped,
			metrics.batchDuration,
		)
	})
	return metrics
}

func newMetrics() *Metrics {
	return &Metrics{
		pagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "da_verifier_pages_processed_total",
			Help: "Total number of feed pages fully handled",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "da_verifier_submissions_total",
			Help: "Verified submissions by result (valid, retry, terminal)",
		}, []string{"result"}),
		retriesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "da_verifier_retries_enqueued_total",
			Help: "Total number of submissions scheduled for retry",
		}),
		terminalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "da_verifier_terminal_failures_total",
			Help: "Total number of submissions recorded as permanently failed",
		}),
		loopErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "da_verifier_loop_errors_total",
			Help: "Total number of watcher iterations that failed",
		}),
		streamDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "da_verifier_stream_dropped_total",
			Help: "Outcomes dropped because the stream buffer was full",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "da_verifier_batch_duration_seconds",
			Help:    "Time spent verifying one batch",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// PageProcessed increments the pages counter.
func (m *Metrics) PageProcessed() {
	if m != nil {
		m.pagesProcessed.Inc()
	}
}

// Submissions adds n to the counter for result.
func (m *Metrics) Submissions(result string, n int) {
	if m != nil && n > 0 {
		m.submissions.WithLabelValues(result).Add(float64(n))
	}
}

// RetriesEnqueued adds n to the retry counter.
func (m *Metrics) RetriesEnqueued(n int) {
	if m != nil && n > 0 {
		m.retriesEnqueued.Add(float64(n))
	}
}

// TerminalFailures adds n to the terminal failure counter.
func (m *Metrics) TerminalFailures(n int) {
	if m != nil && n > 0 {
		m.terminalFailures.Add(float64(n))
	}
}

// LoopError increments the loop error counter.
func (m *Metrics) LoopError() {
	if m != nil {
		m.loopErrors.Inc()
	}
}

// StreamDropped adds n to the dropped outcomes counter.
func (m *Metrics) StreamDropped(n int) {
	if m != nil && n > 0 {
		m.streamDropped.Add(float64(n))
	}
}

// ObserveBatch records how long one batch took.
func (m *Metrics) ObserveBatch(d time.Duration) {
	if m != nil {
		m.batchDuration.Observe(d.Seconds())
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
