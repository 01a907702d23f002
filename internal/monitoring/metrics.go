package monitoring

import (
	"net/http"
	"strconv"
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

	// Generation metrics
	GenerationsTotal   *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	ProviderErrors     *prometheus.CounterVec
	PollAttempts       *prometheus.CounterVec

	// Credit-flow metrics
	CreditsCharged  prometheus.Counter
	CreditsRefunded prometheus.Counter

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var metrics *Metrics

// circuit breaker states mapped to gauge values
var breakerStates = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
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
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being served",
			},
		),
		GenerationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "generations_total",
				Help: "Total generation jobs by provider, kind and outcome",
			},
			[]string{"provider", "kind", "outcome"},
		),
		GenerationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "generation_duration_seconds",
				Help:    "End-to-end generation latency including polling",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"provider", "kind"},
		),
		ProviderErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Provider failures by vendor and error code",
			},
			[]string{"provider", "code"},
		),
		PollAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poll_attempts_total",
				Help: "Status poll attempts by provider",
			},
			[]string{"provider"},
		),
		CreditsCharged: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_charged_total",
				Help: "Total credits charged",
			},
		),
		CreditsRefunded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_refunded_total",
				Help: "Total credits refunded",
			},
		),
		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
			},
			[]string{"provider"},
		),
	}
	return metrics
}

// Handler returns the /metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware records request counts, latency and in-flight gauge
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if metrics == nil {
			c.Next()
			return
		}
		start := time.Now()
		metrics.HTTPRequestsInFlight.Inc()

		c.Next()

		metrics.HTTPRequestsInFlight.Dec()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}

// ObserveGeneration records one finished generation job
func ObserveGeneration(provider, kind, outcome string, seconds float64) {
	if metrics == nil {
		return
	}
	metrics.GenerationsTotal.WithLabelValues(provider, kind, outcome).Inc()
	metrics.GenerationDuration.WithLabelValues(provider, kind).Observe(seconds)
}

// IncPollAttempt counts one status poll attempt
func IncPollAttempt(provider string) {
	if metrics == nil {
		return
	}
	metrics.PollAttempts.WithLabelValues(provider).Inc()
}

// IncProviderError counts one classified provider failure
func IncProviderError(provider, code string) {
	if metrics == nil {
		return
	}
	metrics.ProviderErrors.WithLabelValues(provider, code).Inc()
}

// AddCreditsCharged adds to the charged-credits counter
func AddCreditsCharged(credits int) {
	if metrics == nil || credits <= 0 {
		return
	}
	metrics.CreditsCharged.Add(float64(credits))
}

// AddCreditsRefunded adds to the refunded-credits counter
func AddCreditsRefunded(credits int) {
	if metrics == nil || credits <= 0 {
		return
	}
	metrics.CreditsRefunded.Add(float64(credits))
}

// SetCircuitBreakerState records a breaker transition
func SetCircuitBreakerState(provider, state string) {
	if metrics == nil {
		return
	}
	if value, ok := breakerStates[state]; ok {
		metrics.CircuitBreakerState.WithLabelValues(provider).Set(value)
	}
}
