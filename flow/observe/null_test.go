package observe

import (
	"context"
	"testing"
)

func TestNullObserver_DiscardsEverything(t *testing.T) {
	var o NullObserver
	o.Emit(Event{Msg: "node_start"})
	if err := o.EmitBatch(context.Background(), []Event{{Msg: "retry"}, {Msg: "retry"}}); err != nil {
		t.Fatalf("EmitBatch() error = %v, want nil", err)
	}
	if err := o.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v, want nil", err)
	}
}
