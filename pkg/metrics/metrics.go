package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoker_executions_total",
			Help: "Total number of executions reaching each terminal status",
		},
		[]string{"status"},
	)

	ExecutionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stoker_executions_in_flight",
			Help: "Number of executions currently dispatched to a kernel",
		},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stoker_dispatch_duration_seconds",
			Help:    "Time from dispatch to terminal state in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	SubmissionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stoker_submissions_rejected_total",
			Help: "Submissions rejected because a queue was above its cap",
		},
	)

	// Kernel metrics
	ActiveKernels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stoker_active_kernels",
			Help: "Number of live kernel subprocesses",
		},
	)

	KernelRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stoker_kernel_restarts_total",
			Help: "Kernels recycled by the reaper or respawned after death",
		},
	)

	// Multiplexer metrics
	OrphanFramesBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stoker_orphan_frames_buffered",
			Help: "Output frames currently waiting for their execution binding",
		},
	)

	OrphanFramesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stoker_orphan_frames_dropped_total",
			Help: "Orphan frames dropped due to ring overflow",
		},
	)

	// Hub metrics
	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stoker_subscribers",
			Help: "Number of connected notification subscribers",
		},
	)

	BroadcastFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stoker_broadcast_failures_total",
			Help: "Notification sends that failed or timed out",
		},
	)

	// Asset metrics
	AssetsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stoker_assets_pruned_total",
			Help: "Asset files deleted by the garbage collector",
		},
	)

	AssetBytesPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stoker_asset_bytes_pruned_total",
			Help: "Bytes reclaimed by the asset garbage collector",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoker_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionsInFlight)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(SubmissionsRejected)
	prometheus.MustRegister(ActiveKernels)
	prometheus.MustRegister(KernelRestarts)
	prometheus.MustRegister(OrphanFramesBuffered)
	prometheus.MustRegister(OrphanFramesDropped)
	prometheus.MustRegister(Subscribers)
	prometheus.MustRegister(BroadcastFailures)
	prometheus.MustRegister(AssetsPruned)
	prometheus.MustRegister(AssetBytesPruned)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
