package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogObserver implements Observer by writing structured log output to a
// writer, in text mode (human-readable key=value pairs) or JSON mode
// (newline-delimited JSON, one event per line).
type LogObserver struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogObserver builds a LogObserver writing to w. A nil w defaults to
// os.Stdout.
func NewLogObserver(w io.Writer, jsonMode bool) *LogObserver {
	if w == nil {
		w = os.Stdout
	}
	return &LogObserver{writer: w, jsonMode: jsonMode}
}

// Emit implements Observer.
func (l *LogObserver) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogObserver) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID         string         `json:"run_id"`
		NodeID        string         `json:"node_id"`
		Attempt       int            `json:"attempt"`
		CorrelationID string         `json:"correlation_id"`
		Msg           string         `json:"msg"`
		Meta          map[string]any `json:"meta,omitempty"`
	}{
		RunID:         event.RunID,
		NodeID:        event.NodeID,
		Attempt:       event.Attempt,
		CorrelationID: event.CorrelationID,
		Msg:           event.Msg,
		Meta:          event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogObserver) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] run_id=%s node_id=%s attempt=%d",
		event.Msg, event.RunID, event.NodeID, event.Attempt)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch implements Observer, writing events in order by calling Emit
// for each one.
func (l *LogObserver) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush implements Observer. LogObserver writes synchronously with no
// internal buffering, so this is a no-op; wrap writer in a bufio.Writer and
// flush that directly if buffering is introduced upstream.
func (l *LogObserver) Flush(_ context.Context) error { return nil }
