package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(TaskTransitions, PollTicks, ActiveTasks, QueuedTasks)

	TaskTransitions.WithLabelValues("torrent", "Complete").Inc()
	PollTicks.WithLabelValues("nzb").Add(3)
	ActiveTasks.Set(2)
	QueuedTasks.Set(1)

	expectedTransitions := `# HELP mirrord_task_transitions_total Count of task state transitions applied by the poll loops.
# TYPE mirrord_task_transitions_total counter
mirrord_task_transitions_total{kind="torrent",state="Complete"} 1
`
	if err := testutil.CollectAndCompare(TaskTransitions, strings.NewReader(expectedTransitions)); err != nil {
		t.Fatalf("unexpected transitions metric: %v", err)
	}

	expectedTicks := `# HELP mirrord_poll_ticks_total Poll loop iterations per backend kind.
# TYPE mirrord_poll_ticks_total counter
mirrord_poll_ticks_total{kind="nzb"} 3
`
	if err := testutil.CollectAndCompare(PollTicks, strings.NewReader(expectedTicks)); err != nil {
		t.Fatalf("unexpected ticks metric: %v", err)
	}

	if got := testutil.ToFloat64(ActiveTasks); got != 2 {
		t.Fatalf("active tasks = %v", got)
	}
	if got := testutil.ToFloat64(QueuedTasks); got != 1 {
		t.Fatalf("queued tasks = %v", got)
	}
}

func TestBackendLatencyHistogram(t *testing.T) {
	// Use a fresh histogram to avoid cross-test contamination
	BackendRPCLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirrord",
			Name:      "backend_rpc_latency_seconds",
			Help:      "Latency of backend RPC calls.",
		},
		[]string{"backend", "method"},
	)

	BackendRPCLatency.WithLabelValues("aria2", "aria2.tellActive").Observe(0.03)
	BackendRPCLatency.WithLabelValues("aria2", "aria2.tellActive").Observe(0.6)

	expected := `# HELP mirrord_backend_rpc_latency_seconds Latency of backend RPC calls.
# TYPE mirrord_backend_rpc_latency_seconds histogram
mirrord_backend_rpc_latency_seconds_bucket{backend="aria2",method="aria2.tellActive",le="0.005"} 0
mirrord_backend_rpc_latency_seconds_bucket{backend="aria2",method="aria2.tellActive",le="0.01"} 0
mirrord_backend_rpc_latency_seconds_bucket{backend="aria2",method="aria2.tellActive",le="0.025"} 0
mirrord_backend_rpc_latency_seconds_bucket{backend="aria2",method="aria2.tellActive",le="0.05"} 1
mirrord_backend_rpc_latency_seconds_bucket{backend="aria2",method="aria2.tellActive",le="0.1"} 1
mirrord_backend_rpc_latency_seconds_bucket{backend="aria2",method="aria2.tellActive",le="0.25"} 1
mirrord_backend_rpc_latency_seconds_bucket{backend="aria2",method="aria2.tellActive",le="0.5"} 1
mirrord_backend_rpc_latency_seconds_bucket{backend="aria2",method="aria2.tellActive",le="1"} 2
mirrord_backend_rpc_latency_seconds_bucket{backend="aria2",method="aria2.tellActive",le="2.5"} 2
mirrord_backend_rpc_latency_seconds_bucket{backend="aria2",method="aria2.tellActive",le="5"} 2
mirrord_backend_rpc_latency_seconds_bucket{backend="aria2",method="aria2.tellActive",le="10"} 2
mirrord_backend_rpc_latency_seconds_bucket{backend="aria2",method="aria2.tellActive",le="+Inf"} 2
mirrord_backend_rpc_latency_seconds_sum{backend="aria2",method="aria2.tellActive"} 0.63
mirrord_backend_rpc_latency_seconds_count{backend="aria2",method="aria2.tellActive"} 2
`
	if err := testutil.CollectAndCompare(BackendRPCLatency, strings.NewReader(expected)); err != nil {
		t.Fatalf("unexpected histogram: %v", err)
	}
}
