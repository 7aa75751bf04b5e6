package itrc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tcFinalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "itrc_tc_finals_total",
		Help: "Number of threshold-signed client replies emitted.",
	})
	tcSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "itrc_tc_skips_total",
		Help: "Number of ordinals consumed without a client reply.",
	})
	checkpointsStableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "itrc_checkpoints_stable_total",
		Help: "Number of checkpoints that reached the stable quorum.",
	})
	injectedUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "itrc_injected_updates_total",
		Help: "Number of client submissions injected into ordering.",
	})
	transfersAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "itrc_update_transfers_applied_total",
		Help: "Number of update transfer recoveries completed.",
	})
	appliedOrdinal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "itrc_applied_ordinal",
		Help: "Ordinal frontier applied to the state machine.",
	})
)
