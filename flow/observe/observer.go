package observe

import "context"

// Observer receives the signals a run produces: items consumed and emitted,
// item drops, retries, deadletters, and circuit breaker transitions. Package
// flow emits no node invocation begin/end or checkpoint access events.
//
// Implementations must be:
//   - Non-blocking: avoid slowing down the run.
//   - Thread-safe: called concurrently from every running node.
//   - Resilient: never panic regardless of backend failure.
type Observer interface {
	// Emit records a single event. Emit must not block the caller on a slow
	// or unavailable backend; buffer, drop, or send asynchronously instead.
	Emit(event Event)

	// EmitBatch records multiple events in one call, preserving order.
	// Returns error only on catastrophic failure (e.g. misconfiguration);
	// per-event delivery failures should be logged internally, not returned.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until all buffered events have been delivered or ctx
	// expires. Safe to call more than once.
	Flush(ctx context.Context) error
}

// Multi fans events out to every observer in order, one after another on
// the caller's goroutine, so a slow observer delays the ones after it. An
// error from one observer does not stop delivery to the others.
type Multi struct {
	observers []Observer
}

// NewMulti builds a Multi over the given observers.
func NewMulti(observers ...Observer) *Multi {
	return &Multi{observers: observers}
}

// Emit implements Observer.
func (m *Multi) Emit(event Event) {
	for _, o := range m.observers {
		o.Emit(event)
	}
}

// EmitBatch implements Observer, returning the first error encountered
// after attempting delivery to every observer.
func (m *Multi) EmitBatch(ctx context.Context, events []Event) error {
	var firstErr error
	for _, o := range m.observers {
		if err := o.EmitBatch(ctx, events); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Flush implements Observer, flushing every observer and returning the
// first error encountered.
func (m *Multi) Flush(ctx context.Context) error {
	var firstErr error
	for _, o := range m.observers {
		if err := o.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
