// Package metrics exposes Prometheus collectors for the edital crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetchedTotal          *prometheus.CounterVec
	pageBytesTotal             *prometheus.CounterVec
	pageFetchDurationSeconds   *prometheus.HistogramVec
	recordsTotal               *prometheus.CounterVec
	parserStrategyTotal        *prometheus.CounterVec
	sourceRunsTotal            *prometheus.CounterVec
	sessionsTotal              *prometheus.CounterVec
	categorizationsTotal       *prometheus.CounterVec
	waitingJobsTotal           prometheus.Counter
	activeSources              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Categorization paths counted by ObserveCategorization.
const (
	PathCache      = "via_cache"
	PathOpenRouter = "via_openrouter"
	PathLocal      = "via_nlp_local"
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edital_pages_fetched_total",
				Help: "Listing pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)
		pageBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edital_page_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)
		pageFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edital_page_fetch_duration_seconds",
				Help:    "Listing page fetch latency, labeled by site.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"site"},
		)
		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edital_records_total",
				Help: "Extracted records, labeled by source and outcome (found, saved, duplicate, rejected).",
			},
			[]string{"source", "outcome"},
		)
		parserStrategyTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edital_parser_strategy_total",
				Help: "Pages parsed, labeled by winning strategy.",
			},
			[]string{"strategy"},
		)
		sourceRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edital_source_runs_total",
				Help: "Per-source runs, labeled by final state.",
			},
			[]string{"state"},
		)
		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edital_sessions_total",
				Help: "Scrape sessions, labeled by final status.",
			},
			[]string{"status"},
		)
		categorizationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edital_categorizations_total",
				Help: "Categorizations, labeled by path (via_cache, via_openrouter, via_nlp_local).",
			},
			[]string{"path"},
		)
		waitingJobsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "edital_waiting_jobs_total",
				Help: "Waiting jobs enqueued because the LLM budget was insufficient.",
			},
		)
		activeSources = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "edital_active_sources",
				Help: "Number of sources currently being processed.",
			},
		)
		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edital_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePageFetch records a listing page fetch.
func ObservePageFetch(site, status string, bytesFetched int, duration time.Duration) {
	if pagesFetchedTotal == nil {
		return
	}
	sanitized := SanitizeSite(site)
	pagesFetchedTotal.WithLabelValues(sanitized, status).Inc()
	if bytesFetched > 0 {
		pageBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
	pageFetchDurationSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
}

// ObserveRecords adds n records with the given outcome for a source.
func ObserveRecords(sourceID, outcome string, n int) {
	if recordsTotal == nil || n <= 0 {
		return
	}
	recordsTotal.WithLabelValues(sourceID, outcome).Add(float64(n))
}

// ObserveStrategy counts the parser strategy that won for a page.
func ObserveStrategy(strategy string) {
	if parserStrategyTotal == nil {
		return
	}
	parserStrategyTotal.WithLabelValues(strategy).Inc()
}

// ObserveSourceRun counts a finished source run by final state.
func ObserveSourceRun(state string) {
	if sourceRunsTotal == nil {
		return
	}
	sourceRunsTotal.WithLabelValues(state).Inc()
}

// ObserveSession counts a closed session by status.
func ObserveSession(status string) {
	if sessionsTotal == nil {
		return
	}
	sessionsTotal.WithLabelValues(status).Inc()
}

// ObserveCategorization counts one categorization by path.
func ObserveCategorization(path string) {
	if categorizationsTotal == nil {
		return
	}
	categorizationsTotal.WithLabelValues(path).Inc()
}

// ObserveWaitingJob counts an enqueued waiting job.
func ObserveWaitingJob() {
	if waitingJobsTotal == nil {
		return
	}
	waitingJobsTotal.Inc()
}

// IncActiveSources increments the active sources gauge.
func IncActiveSources() {
	if activeSources != nil {
		activeSources.Inc()
	}
}

// DecActiveSources decrements the active sources gauge.
func DecActiveSources() {
	if activeSources != nil {
		activeSources.Dec()
	}
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
