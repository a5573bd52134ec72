package checkpoint

import (
	"context"
	"errors"
	"testing"
)

// TestStore_InterfaceContract verifies every backend satisfies Store.
func TestStore_InterfaceContract(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
	var _ Store = (*SQLiteStore)(nil)
	var _ Store = (*MySQLStore)(nil)
}

func TestCompositeKey_DistinguishesComponents(t *testing.T) {
	a := compositeKey("pipeline-a", "node-1", "key")
	b := compositeKey("pipeline-a", "node-1x", "ey")
	if a == b {
		t.Fatalf("compositeKey collided across differently-split components: %q == %q", a, b)
	}
}

// runStoreContract exercises the Store contract against any backend; each
// backend's own test file calls this with a constructor scoped to a fresh,
// empty instance per subtest.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("load on empty store returns ErrNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(ctx, "p1", "n1", "k1")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Load() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("save then load round-trips the value", func(t *testing.T) {
		s := newStore(t)
		rec := Record{PipelineID: "p1", NodeID: "n1", Key: "k1", Value: []byte("hello")}
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		got, err := s.Load(ctx, "p1", "n1", "k1")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if string(got.Value) != "hello" {
			t.Fatalf("Load().Value = %q, want %q", got.Value, "hello")
		}
		if got.SavedAt.IsZero() {
			t.Fatal("Load().SavedAt should be populated on save")
		}
	})

	t.Run("save is an upsert keyed by pipeline/node/key", func(t *testing.T) {
		s := newStore(t)
		if err := s.Save(ctx, Record{PipelineID: "p1", NodeID: "n1", Key: "k1", Value: []byte("v1")}); err != nil {
			t.Fatalf("first Save() error = %v", err)
		}
		if err := s.Save(ctx, Record{PipelineID: "p1", NodeID: "n1", Key: "k1", Value: []byte("v2")}); err != nil {
			t.Fatalf("second Save() error = %v", err)
		}
		got, err := s.Load(ctx, "p1", "n1", "k1")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if string(got.Value) != "v2" {
			t.Fatalf("Load().Value = %q, want last writer %q", got.Value, "v2")
		}
	})

	t.Run("distinct keys do not collide", func(t *testing.T) {
		s := newStore(t)
		if err := s.Save(ctx, Record{PipelineID: "p1", NodeID: "n1", Key: "a", Value: []byte("va")}); err != nil {
			t.Fatalf("Save(a) error = %v", err)
		}
		if err := s.Save(ctx, Record{PipelineID: "p1", NodeID: "n2", Key: "a", Value: []byte("vb")}); err != nil {
			t.Fatalf("Save(n2/a) error = %v", err)
		}
		got, err := s.Load(ctx, "p1", "n1", "a")
		if err != nil || string(got.Value) != "va" {
			t.Fatalf("Load(n1/a) = %+v, %v, want va", got, err)
		}
	})

	t.Run("delete removes the record", func(t *testing.T) {
		s := newStore(t)
		if err := s.Save(ctx, Record{PipelineID: "p1", NodeID: "n1", Key: "k1", Value: []byte("v")}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if err := s.Delete(ctx, "p1", "n1", "k1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := s.Load(ctx, "p1", "n1", "k1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Load() after Delete() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("delete of a missing key is not an error", func(t *testing.T) {
		s := newStore(t)
		if err := s.Delete(ctx, "p1", "n1", "missing"); err != nil {
			t.Fatalf("Delete() on missing key error = %v, want nil", err)
		}
	})

	t.Run("list returns every record under a node", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"a", "b", "c"} {
			if err := s.Save(ctx, Record{PipelineID: "p1", NodeID: "n1", Key: k, Value: []byte(k)}); err != nil {
				t.Fatalf("Save(%s) error = %v", k, err)
			}
		}
		if err := s.Save(ctx, Record{PipelineID: "p1", NodeID: "other", Key: "d", Value: []byte("d")}); err != nil {
			t.Fatalf("Save(other) error = %v", err)
		}
		recs, err := s.List(ctx, "p1", "n1")
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(recs) != 3 {
			t.Fatalf("List() returned %d records, want 3", len(recs))
		}
	})
}
