// Package metrics provides Prometheus-based metrics recording for the search service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives engine and server events.
type Recorder interface {
	ObserveQuery(kind string, chips, matched int, duration time.Duration)
	AddIngested(n int)
	ObserveFlush(rows int, duration time.Duration, err error)
	ObserveHTTP(route string, code int, duration time.Duration)
	IncThrottle(route string)
}

// CacheStatsFunc reports time expression cache counters.
type CacheStatsFunc func() (hits, misses uint64, size int)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	queriesTotal  *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	matchedTasks  *prometheus.HistogramVec
	ingestedTotal prometheus.Counter
	flushesTotal  *prometheus.CounterVec
	flushDuration prometheus.Histogram
	httpTotal     *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	throttleTotal *prometheus.CounterVec

	factory promauto.Factory
}

// NewPrometheusRecorder registers the service metrics with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	f := promauto.With(reg)
	return &PrometheusRecorder{
		factory: f,
		queriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartsearch_queries_total",
				Help: "Total number of filter evaluations by kind",
			},
			[]string{"kind"},
		),
		queryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smartsearch_query_duration_seconds",
				Help:    "Time spent filtering tasks",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"kind"},
		),
		matchedTasks: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smartsearch_query_matched_tasks",
				Help:    "Number of tasks matched per query",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"kind"},
		),
		ingestedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "smartsearch_ingested_tasks_total",
			Help: "Total number of task updates ingested",
		}),
		flushesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartsearch_checkpoints_total",
				Help: "Total number of snapshot checkpoints by status",
			},
			[]string{"status"},
		),
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "smartsearch_checkpoint_duration_seconds",
			Help:    "Duration of snapshot checkpoints",
			Buckets: prometheus.DefBuckets,
		}),
		httpTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartsearch_http_requests_total",
				Help: "Total number of HTTP requests by route and code",
			},
			[]string{"route", "code"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smartsearch_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		throttleTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartsearch_throttled_requests_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
	}
}

// WatchCache exports cache counters read at scrape time.
func (p *PrometheusRecorder) WatchCache(stats CacheStatsFunc) {
	p.factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "smartsearch_time_cache_hits_total",
		Help: "Time expression cache hits",
	}, func() float64 {
		h, _, _ := stats()
		return float64(h)
	})
	p.factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "smartsearch_time_cache_misses_total",
		Help: "Time expression cache misses",
	}, func() float64 {
		_, m, _ := stats()
		return float64(m)
	})
	p.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "smartsearch_time_cache_entries",
		Help: "Entries held by the time expression cache",
	}, func() float64 {
		_, _, s := stats()
		return float64(s)
	})
}

// WatchTasks exports the live task count.
func (p *PrometheusRecorder) WatchTasks(count func() int) {
	p.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "smartsearch_tasks",
		Help: "Tasks currently held in memory",
	}, func() float64 { return float64(count()) })
}

func (p *PrometheusRecorder) ObserveQuery(kind string, chips, matched int, duration time.Duration) {
	p.queriesTotal.WithLabelValues(kind).Inc()
	p.queryDuration.WithLabelValues(kind).Observe(duration.Seconds())
	p.matchedTasks.WithLabelValues(kind).Observe(float64(matched))
}

func (p *PrometheusRecorder) AddIngested(n int) {
	p.ingestedTotal.Add(float64(n))
}

func (p *PrometheusRecorder) ObserveFlush(rows int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.flushesTotal.WithLabelValues(status).Inc()
	p.flushDuration.Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveHTTP(route string, code int, duration time.Duration) {
	p.httpTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	p.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncThrottle(route string) {
	p.throttleTotal.WithLabelValues(route).Inc()
}

// Nop discards every event.
type Nop struct{}

func (Nop) ObserveQuery(string, int, int, time.Duration) {}
func (Nop) AddIngested(int)                              {}
func (Nop) ObserveFlush(int, time.Duration, error)       {}
func (Nop) ObserveHTTP(string, int, time.Duration)       {}
func (Nop) IncThrottle(string)                           {}
