// Package metrics defines the Prometheus collectors exported by nscan nodes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Probe metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nscan_probes_total",
			Help: "Total number of probe attempts by protocol and outcome",
		},
		[]string{"protocol", "outcome"},
	)

	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nscan_probe_duration_seconds",
			Help:    "Probe duration in seconds by protocol",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	// Result write-path metrics
	ScanRecordsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nscan_scan_records_written_total",
			Help: "Total number of scan batch upserts written",
		},
	)

	AnalyseRecordsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nscan_analyse_records_written_total",
			Help: "Total number of analysis upserts written",
		},
	)

	// Scheduler metrics
	QueuePending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nscan_queue_pending_tasks",
			Help: "Pending task tokens per task queue",
		},
		[]string{"queue"},
	)

	TasksFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nscan_tasks_fetched_total",
			Help: "Total task tokens leased to workers per task queue",
		},
		[]string{"queue"},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nscan_tasks_completed_total",
			Help: "Total task tokens acknowledged complete per task queue",
		},
		[]string{"queue"},
	)

	TasksRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nscan_tasks_recovered_total",
			Help: "Total task tokens re-injected from the running list",
		},
		[]string{"queue"},
	)

	PoolRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nscan_taskpool_running_tasks",
			Help: "Tasks currently executing in the local task pool",
		},
		[]string{"pool"},
	)

	// Vulnerability lookup metrics
	VulnCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nscan_vuln_cache_hits_total",
			Help: "Vulnerability lookup cache hits",
		},
	)

	VulnCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nscan_vuln_cache_misses_total",
			Help: "Vulnerability lookup cache misses",
		},
	)

	// Proxy pool metrics
	ProxyPoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nscan_proxy_pool_size",
			Help: "Verified proxies currently in the pool by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		ProbesTotal,
		ProbeDuration,
		ScanRecordsWritten,
		AnalyseRecordsWritten,
		QueuePending,
		TasksFetched,
		TasksCompleted,
		TasksRecovered,
		PoolRunning,
		VulnCacheHits,
		VulnCacheMisses,
		ProxyPoolSize,
	)
}

// Handler returns the HTTP handler serving the registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}
