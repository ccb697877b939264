// Package metrics holds the prometheus collectors shared by the server and
// agent processes. Collectors are package-level (as in the teacher repo)
// since prometheus itself requires a single global registry per process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// ReconciliationDuration times one server reconcile cycle (§4.9).
	ReconciliationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ankor",
		Subsystem: "server",
		Name:      "reconciliation_duration_seconds",
		Help:      "Duration of one UpdateState reconciliation cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	// ReconciliationCyclesTotal counts accepted UpdateState requests.
	ReconciliationCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ankor",
		Subsystem: "server",
		Name:      "reconciliation_cycles_total",
		Help:      "Total number of accepted UpdateState requests.",
	})

	// WorkloadStateTransitionsTotal counts execution-state transitions
	// observed by the state store, labelled by the target main state.
	WorkloadStateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ankor",
		Subsystem: "agent",
		Name:      "workload_state_transitions_total",
		Help:      "Total execution-state transitions, by resulting state.",
	}, []string{"state"})

	// SupervisorRestartsTotal counts restart-policy driven restarts.
	SupervisorRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ankor",
		Subsystem: "agent",
		Name:      "supervisor_restarts_total",
		Help:      "Total number of workload restarts issued by the restart policy.",
	})

	// SupervisorMailboxDepth tracks the current number of queued commands
	// across all workload supervisors on this agent.
	SupervisorMailboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ankor",
		Subsystem: "agent",
		Name:      "supervisor_mailbox_depth",
		Help:      "Number of queued supervisor commands across all workloads.",
	})

	// TransportRequestsTotal counts framed requests sent, by channel.
	TransportRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ankor",
		Subsystem: "transport",
		Name:      "requests_total",
		Help:      "Total framed requests sent, by channel (agent, client, control).",
	}, []string{"channel"})
)

// Timer measures an operation's duration for use with a prometheus Histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time against h.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ServeHTTP serves /metrics on addr until the process exits, logging a
// startup failure rather than crashing the owning process.
func ServeHTTP(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Str("address", addr).Msg("metrics server stopped")
	}
}
