package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set holds the service's domain counters, registered on the default
// prometheus registry served at /metrics.
type Set struct {
	Joins             prometheus.Counter
	Leaves            prometheus.Counter
	InteractionEvents *prometheus.CounterVec
	PollResponses     prometheus.Counter
	FinalizedRecords  prometheus.Counter
}

// New registers and returns the counter set.
func New() *Set {
	return &Set{
		Joins: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liveclass_joins_total",
			Help: "Session join events accepted.",
		}),
		Leaves: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liveclass_leaves_total",
			Help: "Session leave events accepted.",
		}),
		InteractionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "liveclass_interaction_events_total",
			Help: "Interaction events recorded, by type.",
		}, []string{"type"}),
		PollResponses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liveclass_poll_responses_total",
			Help: "Poll responses accepted.",
		}),
		FinalizedRecords: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liveclass_finalized_records_total",
			Help: "Attendance records closed by session finalization.",
		}),
	}
}
