// Package metrics exposes Prometheus collectors for the scraping core.
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
	scrapesTotal          *prometheus.CounterVec
	scrapeDurationSeconds *prometheus.HistogramVec
	cacheHitsTotal        *prometheus.CounterVec
	poolActiveBrowsers    prometheus.Gauge
	poolTotalPages        prometheus.Gauge
	poolWaitSeconds       prometheus.Histogram
	poolEvictionsTotal    *prometheus.CounterVec
	batchItemsTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricehound_scrapes_total",
				Help: "Total number of scrape attempts, labeled by retailer and outcome.",
			},
			[]string{"retailer", "outcome"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricehound_scrape_duration_seconds",
				Help:    "Histogram of scrape latencies, labeled by retailer.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45},
			},
			[]string{"retailer"},
		)

		cacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricehound_cache_hits_total",
				Help: "Total number of cache hits, labeled by retailer.",
			},
			[]string{"retailer"},
		)

		poolActiveBrowsers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricehound_pool_active_browsers",
				Help: "Number of browser processes currently owned by the pool.",
			},
		)

		poolTotalPages = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricehound_pool_total_pages",
				Help: "Number of pages open across all pooled browsers.",
			},
		)

		poolWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pricehound_pool_wait_seconds",
				Help:    "Histogram of time spent waiting for a free page.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30},
			},
		)

		poolEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricehound_pool_evictions_total",
				Help: "Total pool evictions, labeled by reason.",
			},
			[]string{"reason"},
		)

		batchItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricehound_batch_items_total",
				Help: "Total batch items processed, labeled by status.",
			},
			[]string{"status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScrape records one scrape attempt outcome and its duration.
func ObserveScrape(retailer, outcome string, duration time.Duration) {
	if scrapesTotal == nil {
		return
	}
	scrapesTotal.WithLabelValues(retailer, outcome).Inc()
	scrapeDurationSeconds.WithLabelValues(retailer).Observe(duration.Seconds())
}

// ObserveCacheHit increments the cache hit counter for the retailer.
func ObserveCacheHit(retailer string) {
	if cacheHitsTotal == nil {
		return
	}
	cacheHitsTotal.WithLabelValues(retailer).Inc()
}

// SetPoolGauges updates the browser and page gauges.
func SetPoolGauges(browsers, pages int) {
	if poolActiveBrowsers == nil {
		return
	}
	poolActiveBrowsers.Set(float64(browsers))
	poolTotalPages.Set(float64(pages))
}

// ObservePoolWait records the duration a caller waited for a page.
func ObservePoolWait(duration time.Duration) {
	if poolWaitSeconds == nil {
		return
	}
	poolWaitSeconds.Observe(duration.Seconds())
}

// ObserveEviction increments the eviction counter for the given reason.
func ObserveEviction(reason string) {
	if poolEvictionsTotal == nil {
		return
	}
	poolEvictionsTotal.WithLabelValues(reason).Inc()
}

// ObserveBatchItem increments the batch item counter for the given status.
func ObserveBatchItem(status string) {
	if batchItemsTotal == nil {
		return
	}
	batchItemsTotal.WithLabelValues(status).Inc()
}
