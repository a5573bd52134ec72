package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// TestIdempotencyAcrossStores verifies that every Store implementation
// treats Save as an upsert by (pipeline_id, node_id, key): a second Save for
// the same key replaces the first, and Load always returns the last writer.
func TestIdempotencyAcrossStores(t *testing.T) {
	ctx := context.Background()
	runID := "idempotency-" + time.Now().UTC().Format("20060102T150405.000000000")

	backends := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			path := filepath.Join(t.TempDir(), "checkpoints.db")
			s, err := NewSQLiteStore(path)
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)

			if err := s.Save(ctx, Record{PipelineID: runID, NodeID: "n1", Key: "cursor", Value: []byte("first")}); err != nil {
				t.Fatalf("first Save() error = %v", err)
			}
			if err := s.Save(ctx, Record{PipelineID: runID, NodeID: "n1", Key: "cursor", Value: []byte("second")}); err != nil {
				t.Fatalf("second Save() error = %v", err)
			}

			got, err := s.Load(ctx, runID, "n1", "cursor")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if string(got.Value) != "second" {
				t.Fatalf("Load().Value = %q, want %q (last writer wins)", got.Value, "second")
			}

			recs, err := s.List(ctx, runID, "n1")
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(recs) != 1 {
				t.Fatalf("List() returned %d records, want exactly 1 (no duplicate rows from the repeated Save)", len(recs))
			}
		})
	}
}

func TestErrNotFound_IsSentinel(t *testing.T) {
	if !errors.Is(ErrNotFound, ErrNotFound) {
		t.Fatal("ErrNotFound must satisfy errors.Is against itself")
	}
}
