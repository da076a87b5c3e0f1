package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveStreams tracks the number of streams currently in the starting or
// running state. Updated by the orchestrator after every settled transition.
var ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cryonix_active_streams",
	Help: "Number of streams in starting or running state",
})

// StreamTransitions counts settled lifecycle transitions. The "action" label is
// start or stop, the "result" label is the terminal outcome (running, stopped,
// error, deferred).
var StreamTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cryonix_stream_transitions_total",
	Help: "Total settled stream lifecycle transitions",
}, []string{"action", "result"})

// TranscoderRequests counts outbound transcoder calls by operation and
// normalized outcome (accepted, rejected, unreachable, acknowledged, notfound).
var TranscoderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cryonix_transcoder_requests_total",
	Help: "Total transcoder service requests",
}, []string{"operation", "outcome"})

// ImportEntries counts playlist import results by disposition
// (imported, updated, skipped, filtered).
var ImportEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cryonix_import_entries_total",
	Help: "Total playlist entries processed by import",
}, []string{"result"})

// ReconcileRuns counts reconciliation passes and the rows they resolved.
var ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cryonix_reconcile_actions_total",
	Help: "Total reconciliation actions by outcome",
}, []string{"outcome"})
