package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaengine",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediaengine",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	LazyCachePagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaengine",
		Name:      "lazycache_pages_total",
		Help:      "Page fetches performed by lazy caches, by cache and result.",
	}, []string{"cache", "result"})

	SourceRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaengine",
		Name:      "source_requests_total",
		Help:      "Media source pipelines by source and final status.",
	}, []string{"source", "status"})

	SourceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediaengine",
		Name:      "source_duration_seconds",
		Help:      "Duration of one media source pipeline in seconds.",
		Buckets:   []float64{0.1, 0.3, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"source"})

	ActiveFetchSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediaengine",
		Name:      "active_fetch_sessions",
		Help:      "Number of fetch sessions that are not closed.",
	})

	ActiveCaches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediaengine",
		Name:      "active_caches",
		Help:      "Number of media caches currently tracked by storage.",
	})

	FilePriorityChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaengine",
		Name:      "file_priority_changes_total",
		Help:      "Effective file priority pushes to the torrent engine, by priority.",
	}, []string{"priority"})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediaengine",
		Name:      "download_speed_bytes",
		Help:      "Summed download speed of tracked caches in bytes per second.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LazyCachePagesTotal,
		SourceRequestsTotal,
		SourceDuration,
		ActiveFetchSessions,
		ActiveCaches,
		FilePriorityChangesTotal,
		DownloadSpeedBytes,
	)
}
