package observe

import "context"

// NullObserver implements Observer by discarding every event. It is the
// zero-overhead default when no observability backend is configured.
type NullObserver struct{}

// Emit implements Observer.
func (NullObserver) Emit(Event) {}

// EmitBatch implements Observer.
func (NullObserver) EmitBatch(context.Context, []Event) error { return nil }

// Flush implements Observer.
func (NullObserver) Flush(context.Context) error { return nil }
