package observe

import (
	"context"
	"sync"
)

// Recorder implements Observer by storing every event in memory, organized
// by run ID. It exists for tests and interactive debugging; production runs
// should prefer LogObserver, OTelObserver, or a Prometheus-backed Observer.
type Recorder struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewRecorder builds an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{events: make(map[string][]Event)}
}

// Emit implements Observer.
func (r *Recorder) Emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[event.RunID] = append(r.events[event.RunID], event)
}

// EmitBatch implements Observer.
func (r *Recorder) EmitBatch(_ context.Context, events []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range events {
		r.events[event.RunID] = append(r.events[event.RunID], event)
	}
	return nil
}

// Flush implements Observer; Recorder has nothing to flush.
func (r *Recorder) Flush(context.Context) error { return nil }

// History returns a copy of the events recorded for runID, in emission
// order. Returns an empty slice, never nil, when no events match.
func (r *Recorder) History(runID string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := r.events[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// CountMsg returns how many recorded events for runID carry the given Msg.
func (r *Recorder) CountMsg(runID, msg string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.events[runID] {
		if e.Msg == msg {
			n++
		}
	}
	return n
}

// Clear removes recorded events for runID, or every run if runID is empty.
func (r *Recorder) Clear(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if runID == "" {
		r.events = make(map[string][]Event)
		return
	}
	delete(r.events, runID)
}
