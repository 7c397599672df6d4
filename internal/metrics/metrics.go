// Package metrics exposes Prometheus collectors for the orchestration
// core.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlHealthStatus        *prometheus.GaugeVec
	crawlHealthSymptoms      *prometheus.GaugeVec
	healthScanDuration       prometheus.Histogram
	healthScanCrawls         prometheus.Gauge
	healthScanFailures       prometheus.Gauge
	admissionDecisionsTotal  *prometheus.CounterVec
	admissionPromotionsTotal prometheus.Counter
	crawlJobsAddedTotal      prometheus.Counter
	crawlsFinishedTotal      *prometheus.CounterVec
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call this
// function multiple times.
func Init() {
	once.Do(func() {
		crawlHealthStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawl_health_status",
				Help: "Number of active crawls by diagnosed health status.",
			},
			[]string{"status"},
		)

		crawlHealthSymptoms = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawl_health_symptoms",
				Help: "Number of active crawls exhibiting a named symptom.",
			},
			[]string{"symptom"},
		)

		healthScanDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawl_health_scan_duration_seconds",
				Help:    "Histogram of full health scan durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		healthScanCrawls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_health_scan_crawls",
				Help: "Number of crawls covered by the last health scan.",
			},
		)

		healthScanFailures = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_health_scan_failures",
				Help: "Number of crawls the last health scan failed to diagnose.",
			},
		)

		admissionDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_decisions_total",
				Help: "Total admission decisions, labeled by outcome.",
			},
			[]string{"decision"},
		)

		admissionPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "admission_promotions_total",
				Help: "Total held jobs promoted into the work queue.",
			},
		)

		crawlJobsAddedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_jobs_added_total",
				Help: "Total page jobs added to crawls.",
			},
		)

		crawlsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawls_finished_total",
				Help: "Total crawls finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHealthScan records the duration and coverage of a scan.
func ObserveHealthScan(took time.Duration, crawls, failures int) {
	healthScanDuration.Observe(took.Seconds())
	healthScanCrawls.Set(float64(crawls))
	healthScanFailures.Set(float64(failures))
}

// SetCrawlHealthCounts replaces the per-status gauge values. Statuses
// absent from counts are reset so stale classifications do not linger.
func SetCrawlHealthCounts(counts map[string]int) {
	crawlHealthStatus.Reset()
	for status, count := range counts {
		crawlHealthStatus.WithLabelValues(status).Set(float64(count))
	}
}

// SetSymptomCount sets the gauge for a named symptom.
func SetSymptomCount(symptom string, count int) {
	crawlHealthSymptoms.WithLabelValues(symptom).Set(float64(count))
}

// ObserveAdmission increments the decision counter.
func ObserveAdmission(decision string) {
	admissionDecisionsTotal.WithLabelValues(decision).Inc()
}

// AddPromotions counts held jobs pushed into the work queue.
func AddPromotions(n int) {
	if n > 0 {
		admissionPromotionsTotal.Add(float64(n))
	}
}

// ObserveJobAdded counts a page job added to a crawl.
func ObserveJobAdded() {
	crawlJobsAddedTotal.Inc()
}

// ObserveCrawlFinished counts a finished crawl by outcome.
func ObserveCrawlFinished(outcome string) {
	crawlsFinishedTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
