package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	StorageErrorsTotal   *prometheus.CounterVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	QuotaRejectionsTotal prometheus.Counter
}

var metrics *Metrics

func init() {
	metrics = &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncbox",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of handled HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "syncbox",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		StorageErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncbox",
				Subsystem: "storage",
				Name:      "errors_total",
				Help:      "Total number of storage operation errors",
			},
			[]string{"op"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "syncbox",
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of memcached hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "syncbox",
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of memcached misses",
			},
		),
		QuotaRejectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "syncbox",
				Subsystem: "storage",
				Name:      "quota_rejections_total",
				Help:      "Total number of writes rejected for exceeding quota",
			},
		),
	}

	prometheus.MustRegister(
		metrics.RequestsTotal,
		metrics.RequestDuration,
		metrics.StorageErrorsTotal,
		metrics.CacheHitsTotal,
		metrics.CacheMissesTotal,
		metrics.QuotaRejectionsTotal,
	)
}

func Get() *Metrics {
	return metrics
}
