package connector

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/dshills/nodestream/flow"
)

// MockSource is a scriptable flow.Source[T] that emits a fixed sequence of
// items, then returns nil; it does not close w itself (the flow runtime
// closes a source's output once Emit returns nil). Err is ignored unless
// non-nil; when set, Emit returns it instead of writing the item at index
// FailAt (so FailAt's zero value fails before the first item — raise FailAt
// to let some items through first, or leave Err nil to emit every item).
type MockSource[T any] struct {
	Items  []T
	Err    error
	FailAt int

	mu       sync.Mutex
	emitted  []T
	numCalls int
}

// Emit implements flow.Source.
func (m *MockSource[T]) Emit(ctx context.Context, w *flow.Writer[T]) error {
	m.mu.Lock()
	m.numCalls++
	m.mu.Unlock()

	for i, item := range m.Items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.Err != nil && i == m.FailAt {
			return m.Err
		}
		if err := w.Write(ctx, item); err != nil {
			return err
		}
		m.mu.Lock()
		m.emitted = append(m.emitted, item)
		m.mu.Unlock()
	}
	return m.Err
}

// Emitted returns the items successfully written so far, safe to call
// concurrently with Emit.
func (m *MockSource[T]) Emitted() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]T, len(m.emitted))
	copy(out, m.emitted)
	return out
}

// CallCount reports how many times Emit has been invoked (retries count
// separately), safe to call concurrently with Emit.
func (m *MockSource[T]) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numCalls
}

// MockSink is a scriptable flow.Sink[T] that records every drained item.
// Setting Err makes Drain fail once FailAfter items have been recorded
// (default 0: fail immediately without recording any item).
type MockSink[T any] struct {
	Err       error
	FailAfter int

	mu       sync.Mutex
	received []T
}

// Drain implements flow.Sink.
func (m *MockSink[T]) Drain(ctx context.Context, in *flow.Reader[T]) error {
	count := 0
	for {
		item, err := in.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if m.Err != nil && count >= m.FailAfter {
			return m.Err
		}
		m.mu.Lock()
		m.received = append(m.received, item)
		m.mu.Unlock()
		count++
	}
}

// Received returns every item drained so far, safe to call concurrently
// with Drain.
func (m *MockSink[T]) Received() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]T, len(m.received))
	copy(out, m.received)
	return out
}
