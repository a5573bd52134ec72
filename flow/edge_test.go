package flow

import "testing"

func TestWithCapacity_OverridesEdgeCapacity(t *testing.T) {
	e := edge{capacity: DefaultPipeCapacity}
	WithCapacity(64)(&e)
	if e.capacity != 64 {
		t.Errorf("capacity = %d, want 64", e.capacity)
	}
}

func TestWithQueuePolicy_OverridesEdgePolicy(t *testing.T) {
	e := edge{policy: QueueBlock}
	WithQueuePolicy(QueueDropOldest)(&e)
	if e.policy != QueueDropOldest {
		t.Errorf("policy = %v, want QueueDropOldest", e.policy)
	}
}
