package metrics

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OracleMetrics bundles collectors for the feed aggregation loop.
type OracleMetrics struct {
	fetches     *prometheus.CounterVec
	fetchTime   *prometheus.HistogramVec
	updates     *prometheus.CounterVec
	medianPrice prometheus.Gauge
	snapshotAge prometheus.Gauge
	feedsUsed   prometheus.Gauge
}

var (
	oracleOnce     sync.Once
	oracleRegistry *OracleMetrics
)

// Oracle returns the singleton metrics registry for the price feed manager.
func Oracle() *OracleMetrics {
	oracleOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "joule_oracle_feed_fetch_total",
				Help: "Count of upstream feed fetches by source and outcome.",
			}, []string{"source", "outcome"}),
			fetchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "joule_oracle_feed_latency_seconds",
				Help:    "Latency distribution of upstream feed fetches by source.",
				Buckets: prometheus.DefBuckets,
			}, []string{"source"}),
			updates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "joule_oracle_updates_total",
				Help: "Count of aggregated price submissions by result.",
			}, []string{"result"}),
			medianPrice: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "joule_oracle_median_price",
				Help: "Latest aggregated median price in quote units per credit.",
			}),
			snapshotAge: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "joule_oracle_snapshot_age_seconds",
				Help: "Age of the newest aggregated snapshot at submission time.",
			}),
			feedsUsed: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "joule_oracle_feeds_used",
				Help: "Number of sources that contributed to the latest aggregate.",
			}),
		}
		prometheus.MustRegister(
			oracleRegistry.fetches,
			oracleRegistry.fetchTime,
			oracleRegistry.updates,
			oracleRegistry.medianPrice,
			oracleRegistry.snapshotAge,
			oracleRegistry.feedsUsed,
		)
	})
	return oracleRegistry
}

// ObserveFetch records the outcome and latency of a single source fetch.
func (m *OracleMetrics) ObserveFetch(source string, d time.Duration, err error) {
	if m == nil {
		return
	}
	label := labelSource(source)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.fetches.WithLabelValues(label, outcome).Inc()
	m.fetchTime.WithLabelValues(label).Observe(d.Seconds())
}

// RecordUpdate increments the submission counter for the supplied result.
// Results should be stable strings such as "submitted", "rejected" or
// "insufficient_feeds".
func (m *OracleMetrics) RecordUpdate(result string) {
	if m == nil {
		return
	}
	trimmed := strings.TrimSpace(strings.ToLower(result))
	if trimmed == "" {
		trimmed = "unknown"
	}
	m.updates.WithLabelValues(trimmed).Inc()
}

// SetMedian updates the median price gauge from an exact rational rate.
func (m *OracleMetrics) SetMedian(rate *big.Rat) {
	if m == nil || rate == nil {
		return
	}
	value, _ := new(big.Float).SetRat(rate).Float64()
	m.medianPrice.Set(value)
}

// SetSnapshotAge records how stale the freshest contributing quote was.
func (m *OracleMetrics) SetSnapshotAge(age time.Duration) {
	if m == nil {
		return
	}
	seconds := age.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.snapshotAge.Set(seconds)
}

// SetFeedsUsed records the number of sources contributing to the latest median.
func (m *OracleMetrics) SetFeedsUsed(count int) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.feedsUsed.Set(float64(count))
}

func labelSource(source string) string {
	trimmed := strings.ToLower(strings.TrimSpace(source))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
