package prime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	orderedOrdinalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prime_ordered_ordinals_total",
		Help: "Number of ordinals that gathered a commit certificate.",
	})
	executedOrdinalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prime_executed_ordinals_total",
		Help: "Number of ordinals executed contiguously.",
	})
	executedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prime_executed_events_total",
		Help: "Number of client events delivered to the application.",
	})
	viewChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prime_view_changes_total",
		Help: "Number of installed views beyond the first.",
	})
	leaderSuspicionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prime_leader_suspicions_total",
		Help: "Number of times the local replica suspected the leader.",
	})
	catchupRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prime_catchup_requests_total",
		Help: "Number of catchup requests sent.",
	})
	jumpsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prime_jumps_total",
		Help: "Number of ordinal certificate jumps taken.",
	})
	resetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prime_local_resets_total",
		Help: "Number of full local protocol resets.",
	})
	currentView = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prime_current_view",
		Help: "The installed view number.",
	})
	executionAru = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prime_execution_aru",
		Help: "Largest contiguously executed ordinal.",
	})
)
