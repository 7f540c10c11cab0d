package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Low-overhead counters for the sync engine. Everything registers on the
// default registry so a host application (or the tail binary) can expose
// them with promhttp.Handler().

var (
	// RequestAttempts counts HTTP attempts per loop ("actions" or
	// "delta") and outcome ("ok", "transport_error", "server_error").
	RequestAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_request_attempts_total",
		Help: "HTTP request attempts by loop and outcome.",
	}, []string{"loop", "outcome"})

	// RequestRetries counts backoff retries after transient server failures.
	RequestRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_request_retries_total",
		Help: "Retries after transient server failures, by loop.",
	}, []string{"loop"})

	// AuthRotations counts transparent credential refreshes triggered by
	// stale-authorization responses.
	AuthRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatkit_auth_rotations_total",
		Help: "Authorization state refreshes after stale-token responses.",
	})

	// MergeEvents counts history merge outcomes ("added", "changed",
	// "deleted", "dropped").
	MergeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_history_merge_events_total",
		Help: "History store merge events by kind.",
	}, []string{"kind"})

	// DeltaBatches counts processed delta batches.
	DeltaBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatkit_delta_batches_total",
		Help: "Delta batches folded into the message holder.",
	})

	// Connected reflects the last observed connectivity state (1/0).
	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatkit_connected",
		Help: "Whether the last transport attempt reached the server.",
	})

	// QueueDepth tracks the backlog per serial executor ("session" or
	// "history").
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatkit_session_queue_depth",
		Help: "Pending closures per serial executor.",
	}, []string{"queue"})

	// RetentionPruned counts history messages removed by the retention runner.
	RetentionPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatkit_retention_pruned_total",
		Help: "Locally cached history messages pruned by retention.",
	})
)
