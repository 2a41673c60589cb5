// Package metrics exposes the orchestrator's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of tasks in the in-memory queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drover_queue_depth",
		Help: "Current number of tasks in the scheduling queue",
	})

	// CapacityUtilization tracks per-tier session slot usage (0-1).
	CapacityUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drover_capacity_utilization",
		Help: "Fraction of session slots in use per model tier",
	}, []string{"tier"})

	// ActiveSessions tracks per-tier active agent sessions.
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drover_active_sessions",
		Help: "Number of active agent sessions per model tier",
	}, []string{"tier"})

	// ScheduleDecisions counts ScheduleNext outcomes.
	ScheduleDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drover_schedule_decisions_total",
		Help: "Total scheduling decisions by outcome",
	}, []string{"status"})

	// AgentEvents counts agent events by kind.
	AgentEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drover_agent_events_total",
		Help: "Total agent events processed by kind",
	}, []string{"type"})

	// BreakerTripped is 1 while the circuit breaker is latched.
	BreakerTripped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drover_circuit_breaker_tripped",
		Help: "Whether the circuit breaker is tripped (1) or closed (0)",
	})

	// DatabaseDegraded is 1 while the persistence layer is degraded.
	DatabaseDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drover_database_degraded",
		Help: "Whether the database health monitor reports degraded (1)",
	})

	// TickDuration observes main loop tick latency.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drover_tick_duration_seconds",
		Help:    "Duration of one main loop tick",
		Buckets: prometheus.DefBuckets,
	})

	// EventPipelineDuration observes HandleAgentEvent latency.
	EventPipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drover_event_pipeline_duration_seconds",
		Help:    "Duration of one agent event through the handler pipeline",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
	})

	// TotalSpendUSD tracks cumulative agent spend.
	TotalSpendUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drover_total_spend_usd",
		Help: "Cumulative agent spend in USD as accounted by the circuit breaker",
	})
)
