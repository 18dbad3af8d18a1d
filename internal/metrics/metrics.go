package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TaskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirrord",
			Name:      "task_transitions_total",
			Help:      "Count of task state transitions applied by the poll loops.",
		},
		[]string{"kind", "state"},
	)

	PollTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirrord",
			Name:      "poll_ticks_total",
			Help:      "Poll loop iterations per backend kind.",
		},
		[]string{"kind"},
	)

	PollErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirrord",
			Name:      "poll_errors_total",
			Help:      "Snapshots that failed during a poll tick.",
		},
		[]string{"kind"},
	)

	BackendRPCErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirrord",
			Name:      "backend_rpc_errors_total",
			Help:      "Errors from backend RPC calls.",
		},
		[]string{"backend", "method"},
	)

	BackendRPCLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirrord",
			Name:      "backend_rpc_latency_seconds",
			Help:      "Latency of backend RPC calls.",
		},
		[]string{"backend", "method"},
	)

	ActiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirrord",
			Name:      "active_tasks",
			Help:      "Number of tasks holding an admission slot.",
		},
	)

	QueuedTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirrord",
			Name:      "queued_tasks",
			Help:      "Number of tasks waiting for an admission slot.",
		},
	)

	ListenerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirrord",
			Name:      "listener_failures_total",
			Help:      "Listener callbacks that returned an error or panicked.",
		},
		[]string{"callback"},
	)

	StatusDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirrord",
			Name:      "status_dropped_total",
			Help:      "Status updates dropped because a subscriber was not keeping up.",
		},
	)
)

var registerOnce sync.Once

// Register registers the mirrord metrics into the default registry.
// Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TaskTransitions, PollTicks, PollErrors, BackendRPCErrors, BackendRPCLatency,
			ActiveTasks, QueuedTasks, ListenerFailures, StatusDropped)
	})
}
