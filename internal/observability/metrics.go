package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	TurnsCreated   prometheus.Counter
	TurnsCompleted *prometheus.CounterVec
	TurnFailures   *prometheus.CounterVec
	StageLatency   *prometheus.HistogramVec
	QueueDepth     prometheus.Gauge
	BusyExecutors  prometheus.Gauge
	ToolCalls      *prometheus.CounterVec
	RecallSoftFail prometheus.Counter

	turnStages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TurnsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_created_total",
			Help:      "Turns accepted by ingress.",
		}),
		TurnsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_completed_total",
			Help:      "Turns reaching a terminal state, by status.",
		}, []string{"status"}),
		TurnFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_failures_total",
			Help:      "Turn failures by pipeline stage and error kind.",
		}, []string{"stage", "kind"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_seconds",
			Help:      "Pipeline stage latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Turn ids waiting in the worker queue.",
		}),
		BusyExecutors: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "busy_executors",
			Help:      "Executors currently driving a turn.",
		}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		RecallSoftFail: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_recall_softfail_total",
			Help:      "Memory recalls degraded to no long-term context.",
		}),
		turnStages: newTurnStageWindow(256),
	}
}

// ObserveStage records a completed pipeline stage in both the histogram and
// the rolling latency window behind /v1/perf/latency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageLatency.WithLabelValues(stage).Observe(d.Seconds())
	m.turnStages.Observe(stage, float64(d.Milliseconds()))
}

// ObserveIndicator counts a named soft event in the perf snapshot.
func (m *Metrics) ObserveIndicator(name string) {
	m.turnStages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	return m.turnStages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
