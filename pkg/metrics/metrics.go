package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aof_tasks_total",
			Help: "Total number of tasks by agent and state",
		},
		[]string{"agent", "state"},
	)

	SchedulerUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aof_scheduler_up",
			Help: "Whether the scheduler poll loop is running (1 = up)",
		},
	)

	TaskStalenessSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aof_task_staleness_seconds",
			Help: "Seconds since the last update of an in-progress task",
		},
		[]string{"agent", "task_id"},
	)

	AgentContextBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aof_agent_context_bytes",
			Help: "Size of the assembled task context handed to an agent",
		},
		[]string{"agentId"},
	)

	// Dispatch metrics
	DelegationEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aof_delegation_events_total",
			Help: "Total number of task delegations to agents",
		},
	)

	LockAcquisitionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aof_lock_acquisition_failures_total",
			Help: "Total number of failed lease acquisitions",
		},
	)

	SchedulerPollFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aof_scheduler_poll_failures_total",
			Help: "Total number of scheduler poll cycles that failed",
		},
	)

	// Gate metrics
	GateTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aof_gate_transitions_total",
			Help: "Total number of gate transitions",
		},
	)

	GateRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aof_gate_rejections_total",
			Help: "Total number of gate rejections (needs_review outcomes)",
		},
	)

	GateTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aof_gate_timeouts_total",
			Help: "Total number of gates that exceeded their timeout",
		},
	)

	GateEscalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aof_gate_escalations_total",
			Help: "Total number of gate escalations",
		},
	)

	// Histograms
	SchedulerLoopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aof_scheduler_loop_duration_seconds",
			Help:    "Duration of one scheduler poll cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	GateDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "aof_gate_duration_seconds",
			Help: "Time a task spent inside a gate in seconds",
			// Gates run on human/agent review timescales: one minute up
			// to a full day.
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 43200, 86400},
		},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(SchedulerUp)
	prometheus.MustRegister(TaskStalenessSeconds)
	prometheus.MustRegister(AgentContextBytes)
	prometheus.MustRegister(DelegationEventsTotal)
	prometheus.MustRegister(LockAcquisitionFailuresTotal)
	prometheus.MustRegister(SchedulerPollFailuresTotal)
	prometheus.MustRegister(GateTransitionsTotal)
	prometheus.MustRegister(GateRejectionsTotal)
	prometheus.MustRegister(GateTimeoutsTotal)
	prometheus.MustRegister(GateEscalationsTotal)
	prometheus.MustRegister(SchedulerLoopDuration)
	prometheus.MustRegister(GateDurationSeconds)
}
