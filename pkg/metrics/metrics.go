package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters and gauges for the orchestration pipeline. All series are labelled
// by agent type so the operational dashboards can break failures down per
// pipeline stage.
var (
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_tasks_processed_total",
		Help: "Tasks that reached the completed state, per agent type.",
	}, []string{"agent_type"})

	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_tasks_failed_total",
		Help: "Tasks that reached the failed state, per agent type.",
	}, []string{"agent_type"})

	TasksRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_tasks_retried_total",
		Help: "Transient task failures that were requeued for retry.",
	}, []string{"agent_type"})

	TasksDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_tasks_dead_lettered_total",
		Help: "Tasks moved to the dead-letter state after exhausting retries.",
	}, []string{"agent_type"})

	TasksReassigned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_tasks_reassigned_total",
		Help: "Tasks reassigned after owner death or SLA breach.",
	}, []string{"agent_type"})

	AgentLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_current_load",
		Help: "In-flight tasks per agent instance.",
	}, []string{"agent_id", "agent_type"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_queue_depth",
		Help: "Tasks waiting for assignment, per agent type.",
	}, []string{"agent_type"})

	PublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publisher_attempts_total",
		Help: "External publish attempts by platform and outcome.",
	}, []string{"platform", "outcome"})

	PublishDeferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publisher_jobs_deferred_total",
		Help: "Publishing jobs deferred because a rate-limit window was full.",
	}, []string{"platform"})

	BusDeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_dead_letters_total",
		Help: "Messages routed to the dead-letter channel, per topic.",
	}, []string{"topic"})
)

// Handler exposes the default prometheus registry, suitable for mounting on
// the agent health server under /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
