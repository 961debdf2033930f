package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TaskEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "titan",
			Name:      "task_events_total",
			Help:      "Count of task lifecycle events handled by the dispatcher.",
		},
		[]string{"type"},
	)

	RunningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "titan",
			Name:      "running_tasks",
			Help:      "Number of tasks currently transferring.",
		},
	)

	PreparingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "titan",
			Name:      "preparing_tasks",
			Help:      "Number of tasks resolving their destination.",
		},
	)

	TransferBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "titan",
			Name:      "transfer_bytes_total",
			Help:      "Bytes written to temp files by transfers.",
		},
	)

	RepoWriteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "titan",
			Name:      "repo_write_latency_seconds",
			Help:      "Latency of task repository writes.",
		},
		[]string{"op"},
	)

	RepoWriteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "titan",
			Name:      "repo_write_errors_total",
			Help:      "Failed task repository writes.",
		},
		[]string{"op"},
	)

	SchedulePasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "titan",
			Name:      "schedule_passes_total",
			Help:      "Promotion passes run by the dispatcher.",
		},
	)
)

var registerOnce sync.Once

// Register registers the Titan metrics into the default registry. Later
// calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TaskEvents, RunningTasks, PreparingTasks, TransferBytes,
			RepoWriteLatency, RepoWriteErrors, SchedulePasses)
	})
}
