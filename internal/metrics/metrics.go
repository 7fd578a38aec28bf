// Package metrics exposes Prometheus collectors for the feed crawler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	refreshCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedreader_refresh_cycles_total",
		Help: "Total number of refresh cycles, labeled by result.",
	}, []string{"result"})

	refreshCycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedreader_refresh_cycle_duration_seconds",
		Help:    "Histogram of refresh cycle durations.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	feedFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedreader_feed_fetches_total",
		Help: "Total number of feed fetches, labeled by outcome.",
	}, []string{"outcome"})

	fetchesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedreader_fetches_in_flight",
		Help: "Number of network fetches currently running.",
	})

	itemsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedreader_items_ingested_total",
		Help: "Total number of classified feed entries, labeled by classification.",
	}, []string{"class"})

	revisionBumpsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedreader_revision_bumps_total",
		Help: "Total number of feed updates that bumped the revision counter.",
	})

	storeRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedreader_store_retries_total",
		Help: "Total number of transactions retried because the database was busy.",
	}, []string{"op"})

	failureScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedreader_supervisor_failure_score",
		Help: "Current value of the supervisor's saturating failure counter.",
	})
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCycle records one finished refresh cycle.
func ObserveCycle(ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	refreshCyclesTotal.WithLabelValues(result).Inc()
	refreshCycleSeconds.Observe(d.Seconds())
}

// ObserveFetch records the outcome of one feed fetch.
func ObserveFetch(outcome string) {
	feedFetchesTotal.WithLabelValues(outcome).Inc()
}

// FetchStarted and FetchDone track in-flight network fetches.
func FetchStarted() { fetchesInFlight.Inc() }

// FetchDone is the counterpart of FetchStarted.
func FetchDone() { fetchesInFlight.Dec() }

// ObserveIngest records stored items of one classification.
func ObserveIngest(class string, n int) {
	if n > 0 {
		itemsIngestedTotal.WithLabelValues(class).Add(float64(n))
	}
}

// ObserveRevisionBump counts one revision bump.
func ObserveRevisionBump() {
	revisionBumpsTotal.Inc()
}

// ObserveStoreRetry counts one busy retry of the named store operation.
func ObserveStoreRetry(op string) {
	storeRetriesTotal.WithLabelValues(op).Inc()
}

// SetFailureScore publishes the supervisor failure counter.
func SetFailureScore(v int) {
	failureScore.Set(float64(v))
}
