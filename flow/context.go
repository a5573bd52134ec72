package flow

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/nodestream/flow/observe"
)

// safeRand wraps a *rand.Rand with a mutex: the run-scoped generator is
// shared by every node and every parallel-transform worker in a run, and
// math/rand.Rand itself is not safe for concurrent use without one.
type safeRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (s *safeRand) Int63n(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Int63n(n)
}

func (s *safeRand) Int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Int63()
}

func defaultRand() *rand.Rand { return rand.New(rand.NewSource(1)) }

// ctxKey is a private type for context value keys, avoiding collisions with
// keys set by other packages on the same context.Context.
type ctxKey string

const (
	// RunIDKey retrieves the run's unique identifier from a node's context.
	RunIDKey ctxKey = "flow.run_id"
	// NodeIDKey retrieves the executing node's stable ID.
	NodeIDKey ctxKey = "flow.node_id"
	// AttemptKey retrieves the current 0-based retry attempt number.
	AttemptKey ctxKey = "flow.attempt"
	// CorrelationIDKey retrieves the run's correlation ID for log/trace joins.
	CorrelationIDKey ctxKey = "flow.correlation_id"
)

// RunContext is the per-run state bag: a cancellation root, a read-only
// parameter map, framework-owned scratch space, observer/logger handles, a
// correlation ID, and the configuration snapshots (retry options, tracer
// identity) resolved once at node entry and held constant for that node's
// invocation.
//
// Once a run starts, RunContext's configuration is frozen; nodes must not
// observe it change mid-invocation. Mutating Parameters or registering a new
// Observer after Run has started is undefined behavior — configure before
// Run, reconfigure only between runs.
type RunContext struct {
	RunID         string
	CorrelationID string
	Parameters    map[string]any
	itemsMu       sync.Mutex
	items         map[string]any
	Observer      observe.Observer
	pools         *Pools
	rng           *safeRand
	startedAt     time.Time
	stats         *runStats
}

// NewRunContext builds a RunContext for one invocation of Plan.Run. runID
// may be empty, in which case a UUIDv4 is generated; the same applies to
// correlationID.
func NewRunContext(runID, correlationID string, parameters map[string]any, observer observe.Observer) *RunContext {
	if runID == "" {
		runID = uuid.NewString()
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if parameters == nil {
		parameters = make(map[string]any)
	}
	if observer == nil {
		observer = observe.NullObserver{}
	}
	pools := newPools()
	return &RunContext{
		RunID:         runID,
		CorrelationID: correlationID,
		Parameters:    parameters,
		items:         pools.GetItems(),
		Observer:      observer,
		pools:         pools,
		rng:           &safeRand{r: rand.New(rand.NewSource(seedFromRunID(runID)))},
		startedAt:     time.Now(),
		stats:         newRunStats(),
	}
}

// Release returns the run's framework-owned scratch space to its pool. Call
// it once, after every node has finished executing (Plan.Run does this via
// defer); using the RunContext's Item/SetItem after Release is undefined.
func (rc *RunContext) Release() {
	rc.itemsMu.Lock()
	items := rc.items
	rc.items = nil
	rc.itemsMu.Unlock()
	if items != nil {
		rc.pools.PutItems(items)
	}
}

// seedFromRunID derives a per-run seed from the run ID so jitter computation
// has its own random source instead of contending on a shared global one.
// The same run ID always yields the same seed, so two contexts sharing a run
// ID draw the same jitter sequence.
func seedFromRunID(runID string) int64 {
	var h int64 = 1469598103934665603 // FNV offset basis, kept small and dependency-free
	for i := 0; i < len(runID); i++ {
		h ^= int64(runID[i])
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}

// WithNode returns a child context.Context carrying this run's metadata plus
// the executing node's ID and attempt number, the shape nodes read back via
// RunIDKey/NodeIDKey/AttemptKey/CorrelationIDKey.
func (rc *RunContext) WithNode(parent context.Context, nodeID string, attempt int) context.Context {
	ctx := context.WithValue(parent, RunIDKey, rc.RunID)
	ctx = context.WithValue(ctx, NodeIDKey, nodeID)
	ctx = context.WithValue(ctx, AttemptKey, attempt)
	ctx = context.WithValue(ctx, CorrelationIDKey, rc.CorrelationID)
	return ctx
}

// Item retrieves framework-owned scratch state by key. Not for user
// parameters. Safe for concurrent use by the many nodes running within a
// single run.
func (rc *RunContext) Item(key string) (any, bool) {
	rc.itemsMu.Lock()
	defer rc.itemsMu.Unlock()
	v, ok := rc.items[key]
	return v, ok
}

// SetItem stores framework-owned scratch state by key.
func (rc *RunContext) SetItem(key string, value any) {
	rc.itemsMu.Lock()
	defer rc.itemsMu.Unlock()
	rc.items[key] = value
}

// Rand returns the run-scoped random source used for jitter computation. It
// is safe for concurrent use by multiple nodes and parallel-transform workers
// within the same run.
func (rc *RunContext) Rand() randSource { return rc.rng }
