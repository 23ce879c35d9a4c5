// Package metrics exposes Prometheus collectors for the engine and the
// schedule daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the module records into.
type Metrics struct {
	ChecksExecuted     *prometheus.CounterVec
	CheckFailures      *prometheus.CounterVec
	RoutingTransitions *prometheus.CounterVec
	BudgetExceeded     *prometheus.CounterVec
	FailIfTriggered    prometheus.Counter
	RunDuration        prometheus.Histogram
	ScheduleFires      prometheus.Counter
	ScheduleSkips      prometheus.Counter
	ScheduleFailures   prometheus.Counter
}

// New registers collectors on reg. A nil registerer yields collectors that
// are recorded but not exported, which keeps tests independent.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChecksExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "visor_checks_executed_total",
			Help: "Provider executions, by check type.",
		}, []string{"type"}),
		CheckFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "visor_check_failures_total",
			Help: "Fatal check results, by check type.",
		}, []string{"type"}),
		RoutingTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "visor_routing_transitions_total",
			Help: "Routing actions taken, by action.",
		}, []string{"action"}),
		BudgetExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "visor_budget_exceeded_total",
			Help: "Budget violations, by kind (routing, max_runs).",
		}, []string{"kind"}),
		FailIfTriggered: factory.NewCounter(prometheus.CounterOpts{
			Name: "visor_fail_if_triggered_total",
			Help: "fail_if predicates that evaluated true.",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "visor_run_duration_seconds",
			Help:    "Wall-clock duration of engine runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ScheduleFires: factory.NewCounter(prometheus.CounterOpts{
			Name: "visor_schedule_fires_total",
			Help: "Schedules fired by this node.",
		}),
		ScheduleSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "visor_schedule_skips_total",
			Help: "Due schedules skipped because another node holds the lock.",
		}),
		ScheduleFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "visor_schedule_failures_total",
			Help: "Schedule executions that returned an error.",
		}),
	}
}
