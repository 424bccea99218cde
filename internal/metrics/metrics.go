// Package metrics defines the Prometheus collectors exposed by both the
// Plugin Manager and Goal Scheduler admin surfaces, following the
// reference platform's package-level vars + promauto idiom.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_events_published_total",
			Help: "Total number of events published to the bus, by topic.",
		},
		[]string{"topic"},
	)

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_events_consumed_total",
			Help: "Total number of events successfully consumed, by topic.",
		},
		[]string{"topic"},
	)

	EventsParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_events_parse_errors_total",
			Help: "Total number of stream entries that failed to parse as events, by topic.",
		},
		[]string{"topic"},
	)

	EventsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_events_dead_lettered_total",
			Help: "Total number of events moved to the dead-letter stream, by topic.",
		},
		[]string{"topic"},
	)

	PluginHealthState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "core_plugin_health_state",
			Help: "Plugin health state as an enum gauge: 0=ACTIVE, 1=PAUSED, 2=DISABLED.",
		},
		[]string{"plugin"},
	)

	PluginQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "core_plugin_queue_depth",
			Help: "Current depth of the plugin manager's task queue.",
		},
		[]string{"manager"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "core_goal_step_duration_seconds",
			Help:    "Duration of one goal step's execution.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step_type"},
	)

	SandboxExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "core_sandbox_execution_duration_seconds",
			Help:    "Duration of one plugin sandbox invocation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"plugin"},
	)

	GoalsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "core_goals_active",
			Help: "Number of goal instances currently executing.",
		},
	)
)

// HealthStateValue maps a breaker state string to the PluginHealthState
// gauge's enum encoding.
func HealthStateValue(state string) float64 {
	switch state {
	case "PAUSED":
		return 1
	case "DISABLED":
		return 2
	default:
		return 0
	}
}
