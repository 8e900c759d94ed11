// Package metrics exposes Prometheus collectors for the sync engine. Labels
// are kept to small, closed sets so cardinality stays bounded:
//
//   - outcome: what reconciliation decided for one feed insert
//     (duplicate | resolved_tag | resolved_heuristic | appended | tombstoned)
//   - result:  how an optimistic send or responder attempt ended
//
// All collectors are registered on the default registry and safe for
// concurrent use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcileTotal counts feed inserts by reconciliation outcome.
	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatclient_reconcile_total",
			Help: "Total change-feed inserts by reconciliation outcome.",
		},
		[]string{"outcome"},
	)

	// OptimisticSends counts optimistic writes by final result.
	OptimisticSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatclient_optimistic_sends_total",
			Help: "Total optimistic sends by result (confirmed or rolled_back).",
		},
		[]string{"result"},
	)

	// ResponderAttempts counts mention-triggered responder attempts.
	ResponderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatclient_responder_attempts_total",
			Help: "Total responder attempts by result (armed, gated, replied, fallback).",
		},
		[]string{"result"},
	)

	// PresenceEvictions counts typing entries removed by the expiry sweep.
	PresenceEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatclient_presence_evictions_total",
			Help: "Total typing-presence entries evicted by the staleness sweep.",
		},
	)

	// FeedEvents counts change-feed callbacks dispatched to the timeline.
	FeedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatclient_feed_events_total",
			Help: "Total change-feed events dispatched, by kind.",
		},
		[]string{"kind"},
	)
)
