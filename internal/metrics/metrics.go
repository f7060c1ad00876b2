// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestCardsDiscoveredTotal *prometheus.CounterVec
	harvestRecordsStoredTotal   *prometheus.CounterVec
	harvestFailuresTotal        *prometheus.CounterVec
	harvestRunsTotal            *prometheus.CounterVec
	harvestRunDurationSeconds   prometheus.Histogram
	harvestActiveWorkers        prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestCardsDiscoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_cards_discovered_total",
				Help: "Total report cards discovered, labeled by site.",
			},
			[]string{"site"},
		)

		harvestRecordsStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_records_stored_total",
				Help: "Total records upserted, labeled by site and content kind.",
			},
			[]string{"site", "kind"},
		)

		harvestFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_failures_total",
				Help: "Total card failures, labeled by site and failure kind.",
			},
			[]string{"site", "kind"},
		)

		harvestRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_runs_total",
				Help: "Total completed runs, labeled by final status.",
			},
			[]string{"status"},
		)

		harvestRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvest_run_duration_seconds",
				Help:    "Histogram of end-to-end run durations.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
		)

		harvestActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_active_workers",
				Help: "Number of workers currently processing a card.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDiscovered adds to the discovered card counter for a site.
func ObserveDiscovered(site string, count int) {
	if count > 0 {
		harvestCardsDiscoveredTotal.WithLabelValues(site).Add(float64(count))
	}
}

// ObserveStored increments the stored record counter.
func ObserveStored(site, kind string) {
	harvestRecordsStoredTotal.WithLabelValues(site, kind).Inc()
}

// ObserveFailure increments the failure counter for the given kind.
func ObserveFailure(site, kind string) {
	harvestFailuresTotal.WithLabelValues(site, kind).Inc()
}

// ObserveRun records a finished run's status and duration.
func ObserveRun(status string, duration time.Duration) {
	harvestRunsTotal.WithLabelValues(status).Inc()
	harvestRunDurationSeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	harvestActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	harvestActiveWorkers.Dec()
}
