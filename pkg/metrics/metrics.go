package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent tick metrics
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carousel_agent_ticks_total",
			Help: "Total number of agent ticks by agent",
		},
		[]string{"agent"},
	)

	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carousel_agent_tick_duration_seconds",
			Help:    "Agent tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	RowsClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carousel_agent_rows_claimed_total",
			Help: "Total number of rows claimed by agent",
		},
		[]string{"agent"},
	)

	RowFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carousel_agent_row_failures_total",
			Help: "Total number of rows whose tick ended in an error",
		},
		[]string{"agent"},
	)

	// Transform state metrics
	TransformsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carousel_transforms_finished_total",
			Help: "Total number of transforms reaching a terminal status",
		},
		[]string{"status"},
	)

	ProcessingsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carousel_processings_finished_total",
			Help: "Total number of processings reaching a terminal status",
		},
		[]string{"status"},
	)

	// External service metrics
	DataServiceCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carousel_dataservice_calls_total",
			Help: "Total number of data service calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// Outbox metrics
	MessagesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carousel_messages_enqueued_total",
			Help: "Total number of outbox messages enqueued by type",
		},
		[]string{"msg_type"},
	)

	// Lock janitor metrics
	StaleLocksReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "carousel_stale_locks_reaped_total",
			Help: "Total number of stale row locks reset by the janitor",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TickDuration,
		RowsClaimed,
		RowFailures,
		TransformsFinished,
		ProcessingsFinished,
		DataServiceCalls,
		MessagesEnqueued,
		StaleLocksReaped,
	)
}

// Handler returns the HTTP handler that exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
