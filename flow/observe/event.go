// Package observe provides event emission and observability for dataflow runs.
package observe

// Event carries the fields common to every observability signal raised
// during a run: span starts/ends, dropped items, retries, and circuit
// breaker transitions all travel through the same shape so a single
// Observer method can handle them.
//
// Events are delivered to an Observer, which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Export to Prometheus
//   - Record for later assertion in tests
type Event struct {
	// RunID identifies the run that produced this event.
	RunID string

	// NodeID identifies the node that produced this event, empty for
	// run-level events (run start, run complete).
	NodeID string

	// Attempt is the 0-based retry attempt number, meaningful only for
	// node-invocation events. Zero for run-level events.
	Attempt int

	// CorrelationID joins this event to external logs and traces.
	CorrelationID string

	// Msg names what happened. Package flow emits "item_consumed",
	// "item_emitted", "item_dropped", "retry", "circuit_open",
	// "circuit_close", "circuit_half_open" and "deadletter"; it emits no
	// "node_start", "node_end", "checkpoint_save" or "checkpoint_load".
	Msg string

	// Meta carries event-specific structured data, e.g. "error", "queue_depth",
	// "wait_ms", "backoff_ms".
	Meta map[string]any
}
