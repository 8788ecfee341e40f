package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// APIMetrics wraps collectors tracking the pegd HTTP surface.
type APIMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *APIMetrics

	pegMetricsOnce sync.Once
	pegRegistry    *PegMetrics
)

// API returns the lazily-initialised metrics registry used to record admin
// and status endpoint activity.
func API() *APIMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "joule",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "joule",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "joule",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "joule",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by rate limiting or replay protection.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an HTTP request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *APIMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit" or
// "nonce_replay" so dashboards and alerts remain consistent.
func (m *APIMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// RequestsVec exposes the request counter vector.
func (m *APIMetrics) RequestsVec() *prometheus.CounterVec {
	return m.requests
}

// ThrottlesVec exposes the throttle counter vector.
func (m *APIMetrics) ThrottlesVec() *prometheus.CounterVec {
	return m.throttles
}

// PegMetrics wraps collectors tracking the peg maintenance engine.
type PegMetrics struct {
	evaluations  *prometheus.CounterVec
	deviation    prometheus.Histogram
	creditMinted prometheus.Counter
	creditBurned prometheus.Counter
	quoteEarned  prometheus.Counter
	quoteSpent   prometheus.Counter
	reserve      prometheus.Gauge
	errors       *prometheus.CounterVec
	pauseEngaged prometheus.Gauge
}

// Peg exposes the metrics registry for the peg controller runner.
func Peg() *PegMetrics {
	pegMetricsOnce.Do(func() {
		pegRegistry = &PegMetrics{
			evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "joule",
				Subsystem: "peg",
				Name:      "evaluations_total",
				Help:      "Count of peg evaluations segmented by resulting action.",
			}, []string{"action"}),
			deviation: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "joule",
				Subsystem: "peg",
				Name:      "deviation_bps",
				Help:      "Observed pool deviation from the oracle price in basis points.",
				Buckets:   []float64{-2000, -1000, -500, -250, -100, 0, 100, 250, 500, 1000, 2000},
			}),
			creditMinted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "joule",
				Subsystem: "peg",
				Name:      "credit_minted_total",
				Help:      "Cumulative credit minted by corrective sales in native units.",
			}),
			creditBurned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "joule",
				Subsystem: "peg",
				Name:      "credit_burned_total",
				Help:      "Cumulative credit burned by buybacks in native units.",
			}),
			quoteEarned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "joule",
				Subsystem: "peg",
				Name:      "quote_earned_total",
				Help:      "Cumulative quote proceeds retained by the reserve in native units.",
			}),
			quoteSpent: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "joule",
				Subsystem: "peg",
				Name:      "quote_spent_total",
				Help:      "Cumulative quote spent on buybacks in native units.",
			}),
			reserve: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "joule",
				Subsystem: "peg",
				Name:      "reserve_balance",
				Help:      "Current quote balance held by the controller reserve in native units.",
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "joule",
				Subsystem: "peg",
				Name:      "errors_total",
				Help:      "Count of evaluation failures segmented by reason.",
			}, []string{"reason"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "joule",
				Subsystem: "peg",
				Name:      "pause_engaged",
				Help:      "Indicates whether the peg controller pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			pegRegistry.evaluations,
			pegRegistry.deviation,
			pegRegistry.creditMinted,
			pegRegistry.creditBurned,
			pegRegistry.quoteEarned,
			pegRegistry.quoteSpent,
			pegRegistry.reserve,
			pegRegistry.errors,
			pegRegistry.pauseEngaged,
		)
	})
	return pegRegistry
}

// ObserveEvaluation records the action taken by a single evaluation together
// with the deviation that drove it.
func (m *PegMetrics) ObserveEvaluation(action string, deviationBps int64) {
	if m == nil {
		return
	}
	label := strings.TrimSpace(strings.ToLower(action))
	if label == "" {
		label = "unknown"
	}
	m.evaluations.WithLabelValues(label).Inc()
	m.deviation.Observe(float64(deviationBps))
}

// RecordTrade accumulates the native-unit volumes moved by an executed
// corrective action. Nil amounts contribute zero.
func (m *PegMetrics) RecordTrade(minted, burned, quoteEarned, quoteSpent *big.Int) {
	if m == nil {
		return
	}
	if v := bigToFloat(minted); v > 0 {
		m.creditMinted.Add(v)
	}
	if v := bigToFloat(burned); v > 0 {
		m.creditBurned.Add(v)
	}
	if v := bigToFloat(quoteEarned); v > 0 {
		m.quoteEarned.Add(v)
	}
	if v := bigToFloat(quoteSpent); v > 0 {
		m.quoteSpent.Add(v)
	}
}

// SetReserve updates the reserve balance gauge.
func (m *PegMetrics) SetReserve(balance *big.Int) {
	if m == nil {
		return
	}
	m.reserve.Set(bigToFloat(balance))
}

// RecordError increments the failure counter for the supplied reason.
func (m *PegMetrics) RecordError(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(reason).Inc()
}

// SetPause toggles the pause_engaged gauge.
func (m *PegMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// ReserveGauge exposes the reserve balance gauge.
func (m *PegMetrics) ReserveGauge() prometheus.Gauge {
	return m.reserve
}

// PauseGauge exposes the pause_engaged gauge.
func (m *PegMetrics) PauseGauge() prometheus.Gauge {
	return m.pauseEngaged
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
