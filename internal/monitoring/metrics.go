package monitoring

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Gate metrics
	GateRejections    *prometheus.CounterVec
	FrequencyFlags    *prometheus.CounterVec
	SuspiciousLogged  *prometheus.CounterVec
	AccountLockouts   prometheus.Counter
	DetectorFailOpens prometheus.Counter

	// Redemption metrics
	Redemptions       *prometheus.CounterVec
	RequestsGranted   *prometheus.CounterVec
	RedemptionLatency prometheus.Histogram

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBQueryDuration     *prometheus.HistogramVec
	DBRetries           *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec

	// Maintenance metrics
	MaintenanceRows   *prometheus.CounterVec
	MaintenanceFailed prometheus.Counter
}

var (
	metrics  *Metrics
	initOnce sync.Once
)

// Init initializes all Prometheus metrics once
func Init() *Metrics {
	initOnce.Do(func() {
		metrics = newMetrics()
	})
	return metrics
}

func newMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		GateRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_rejections_total",
				Help: "Requests rejected by a defense gate",
			},
			[]string{"gate", "reason"},
		),
		FrequencyFlags: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frequency_flags_total",
				Help: "Requests flagged as automated traffic",
			},
			[]string{"endpoint", "reason"},
		),
		SuspiciousLogged: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "suspicious_activity_logged_total",
				Help: "Suspicious activity audit entries written",
			},
			[]string{"reason", "status"},
		),
		AccountLockouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "account_lockouts_total",
				Help: "Accounts moved into a temporary redemption lockout",
			},
		),
		DetectorFailOpens: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frequency_detector_fail_open_total",
				Help: "Frequency checks skipped because the detector store failed",
			},
		),

		Redemptions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_redemptions_total",
				Help: "Key redemption outcomes",
			},
			[]string{"outcome"},
		),
		RequestsGranted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_requests_granted_total",
				Help: "Requests granted through redeemed keys",
			},
			[]string{"mode"},
		),
		RedemptionLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "key_redemption_duration_seconds",
				Help:    "Redemption transaction duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),

		DBConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
		DBRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_retries_total",
				Help: "Storage operations retried after a transient failure",
			},
			[]string{"operation"},
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
			},
			[]string{"name"},
		),

		MaintenanceRows: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maintenance_rows_total",
				Help: "Rows changed by background maintenance, by step",
			},
			[]string{"step"},
		),
		MaintenanceFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "maintenance_sweeps_failed_total",
				Help: "Maintenance sweeps that stopped on an error",
			},
		),
	}
}

// Get returns the global metrics instance
func Get() *Metrics {
	return Init()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordGateRejection records a request stopped by a gate
func RecordGateRejection(gate, reason string) {
	Get().GateRejections.WithLabelValues(gate, reason).Inc()
}

// RecordFrequencyFlag records a request flagged by frequency detection
func RecordFrequencyFlag(endpoint, reason string) {
	Get().FrequencyFlags.WithLabelValues(endpoint, reason).Inc()
}

// RecordDetectorFailOpen records a frequency check skipped on store failure
func RecordDetectorFailOpen() {
	Get().DetectorFailOpens.Inc()
}

// RecordSuspiciousActivity records an audit write; status is "ok" or "error"
func RecordSuspiciousActivity(reason, status string) {
	Get().SuspiciousLogged.WithLabelValues(reason, status).Inc()
}

// RecordAccountLockout records an account entering lockout
func RecordAccountLockout() {
	Get().AccountLockouts.Inc()
}

// RecordRedemption records a redemption outcome
func RecordRedemption(outcome string) {
	Get().Redemptions.WithLabelValues(outcome).Inc()
}

// RecordRequestsGranted records requests granted by a successful redemption
func RecordRequestsGranted(mode string, amount int64) {
	if amount > 0 {
		Get().RequestsGranted.WithLabelValues(mode).Add(float64(amount))
	}
}

// RecordRedemptionLatency records the duration of a redemption
func RecordRedemptionLatency(duration time.Duration) {
	Get().RedemptionLatency.Observe(duration.Seconds())
}

// RecordDBQuery records a database operation duration
func RecordDBQuery(operation string, duration time.Duration) {
	Get().DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDBRetry records a retried storage operation
func RecordDBRetry(operation string) {
	Get().DBRetries.WithLabelValues(operation).Inc()
}

// SetDBConnections sets database connection metrics
func SetDBConnections(active, idle int) {
	Get().DBConnectionsActive.Set(float64(active))
	Get().DBConnectionsIdle.Set(float64(idle))
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(name string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(name).Set(state)
}

// RecordMaintenanceRows records rows changed by a maintenance step
func RecordMaintenanceRows(step string, n int64) {
	if n > 0 {
		Get().MaintenanceRows.WithLabelValues(step).Add(float64(n))
	}
}

// RecordMaintenanceFailure records a failed maintenance sweep
func RecordMaintenanceFailure() {
	Get().MaintenanceFailed.Inc()
}
