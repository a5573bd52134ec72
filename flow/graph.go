package flow

import (
	"context"
	"fmt"
	"reflect"
)

// NodeOption customizes a single node registration: its pipe defaults,
// parallelism, and retry behavior.
type NodeOption func(*nodeReg)

// WithParallelism sets how many concurrent workers a transform or filter
// node runs (C7). Ignored by source, merge, and sink nodes.
func WithParallelism(n int) NodeOption {
	return func(r *nodeReg) { r.parallelism = n }
}

// WithOrdered controls whether a parallel transform/filter preserves input
// order in its output (default true).
func WithOrdered(ordered bool) NodeOption {
	return func(r *nodeReg) { r.ordered = ordered }
}

// WithRetry attaches retry behavior to a node: max attempts, the retryable
// predicate, and the backoff/jitter strategy.
func WithRetry(opts RetryOptions) NodeOption {
	return func(r *nodeReg) { r.retry = &opts }
}

// WithCircuitBreaker attaches a circuit breaker to a node's resilient
// executor. Calls fast-fail with KindCircuitOpen once FailureThreshold
// consecutive failures trip it, until Cooldown elapses and a half-open trial
// succeeds.
func WithCircuitBreaker(opts CircuitBreakerOptions) NodeOption {
	return func(r *nodeReg) { r.breaker = &opts }
}

// WithDeadletter routes items that exhaust retries to handler instead of
// failing the node. The pipeline continues past the item; without a
// deadletter handler, exhausted retries fail the node outright.
func WithDeadletter(handler DeadletterHandler) NodeOption {
	return func(r *nodeReg) { r.deadletter = handler }
}

// WithDefaultCapacity sets the pipe capacity used for this node's output
// edges when Connect doesn't override it.
func WithDefaultCapacity(n int) NodeOption {
	return func(r *nodeReg) { r.capacity = n }
}

// WithDefaultQueuePolicy sets the backpressure policy used for this node's
// output edges when Connect doesn't override it.
func WithDefaultQueuePolicy(p QueuePolicy) NodeOption {
	return func(r *nodeReg) { r.policy = p }
}

// nodeReg is the builder's type-erased record of one registered node. The
// node's own input/output types are captured at registration time (where
// the generic Add* function still has them) via runtime closures, so the
// builder itself can stay free of type parameters while still catching
// type-mismatched Connect calls through inType/outType.
type nodeReg struct {
	id      string
	kind    NodeKind
	inType  reflect.Type // nil for Source
	outType reflect.Type // nil for Sink

	capacity    int
	policy      QueuePolicy
	parallelism int
	ordered     bool
	retry       *RetryOptions
	breaker     *CircuitBreakerOptions
	deadletter  DeadletterHandler

	// instantiate builds the runnable goroutine body for this node once all
	// of its pipes are known. ins are readers for every incoming edge (in
	// connect order; Merge nodes may receive more than one). out is the
	// single writer backing the node's output pipe, which already fans out
	// to every downstream reader internally; it is nil for Sink nodes, which
	// have no outgoing edges.
	instantiate func(rc *RunContext, ins []any, out any) (func(ctx context.Context) error, error)

	// newPipe constructs this node's output Pipe[T] (nil for Sink) and
	// returns its single writer, one reader handle per downstream edge (in
	// edge-registration order), and a getter for the pipe's dropped-item
	// count. Captured at Add time so the builder never needs T itself.
	newPipe func(capacity int, policy QueuePolicy, numReaders int) (writer any, readers []any, dropped func() int64)
}

// Builder assembles nodes and edges into a validated, runnable Plan.
type Builder struct {
	nodes map[string]*nodeReg
	order []string
	edges []edge
	err   error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{nodes: make(map[string]*nodeReg)}
}

func (b *Builder) register(r *nodeReg) {
	if b.err != nil {
		return
	}
	if _, exists := b.nodes[r.id]; exists {
		b.err = fmt.Errorf("%w: %q", ErrDuplicateNodeID, r.id)
		return
	}
	if r.capacity <= 0 {
		r.capacity = DefaultPipeCapacity
	}
	b.nodes[r.id] = r
	b.order = append(b.order, r.id)
}

func applyOpts(r *nodeReg, opts []NodeOption) {
	for _, opt := range opts {
		opt(r)
	}
}

// AddSource registers a finite or infinite Source[T] under id.
func AddSource[T any](b *Builder, id string, src Source[T], opts ...NodeOption) *Builder {
	var zero T
	r := &nodeReg{id: id, kind: KindSource, outType: reflect.TypeOf(&zero).Elem()}
	applyOpts(r, opts)
	r.newPipe = newPipeFunc[T](id)
	r.instantiate = func(rc *RunContext, ins []any, out any) (func(ctx context.Context) error, error) {
		writer, ok := out.(*Writer[T])
		if !ok {
			return nil, fmt.Errorf("flow: node %s: output wiring type mismatch", id)
		}
		ro := newResilientOptions(rc, id, r.retry, r.breaker, r.deadletter)
		return func(ctx context.Context) error {
			return runSource(ctx, rc, id, src, writer, ro)
		}, nil
	}
	b.register(r)
	return b
}

// newPipeFunc returns a nodeReg.newPipe closure for a node whose output
// carries type T, capturing T for the builder's type-erased registry.
func newPipeFunc[T any](nodeID string) func(capacity int, policy QueuePolicy, numReaders int) (any, []any, func() int64) {
	return func(capacity int, policy QueuePolicy, numReaders int) (any, []any, func() int64) {
		p := NewPipe[T](capacity, policy, numReaders, nodeID)
		readers := make([]any, numReaders)
		for i := 0; i < numReaders; i++ {
			readers[i] = p.Reader(i)
		}
		return p.Writer(), readers, p.Dropped
	}
}

// AddTransform registers a Transform[In, Out] under id.
func AddTransform[In, Out any](b *Builder, id string, t Transform[In, Out], opts ...NodeOption) *Builder {
	var zeroIn In
	var zeroOut Out
	r := &nodeReg{
		id:          id,
		kind:        KindTransform,
		inType:      reflect.TypeOf(&zeroIn).Elem(),
		outType:     reflect.TypeOf(&zeroOut).Elem(),
		parallelism: 1,
		ordered:     true,
	}
	applyOpts(r, opts)
	r.newPipe = newPipeFunc[Out](id)
	r.instantiate = func(rc *RunContext, ins []any, out any) (func(ctx context.Context) error, error) {
		if len(ins) != 1 {
			return nil, fmt.Errorf("flow: node %s: transform requires exactly one input edge", id)
		}
		reader, ok := ins[0].(*Reader[In])
		if !ok {
			return nil, fmt.Errorf("flow: node %s: input wiring type mismatch", id)
		}
		writer, ok := out.(*Writer[Out])
		if !ok {
			return nil, fmt.Errorf("flow: node %s: output wiring type mismatch", id)
		}
		ro := newResilientOptions(rc, id, r.retry, r.breaker, r.deadletter)
		return func(ctx context.Context) error {
			return runTransform(ctx, rc, id, t, reader, writer, r.parallelism, r.ordered, ro)
		}, nil
	}
	b.register(r)
	return b
}

// AddFilter registers a Filter[T] under id.
func AddFilter[T any](b *Builder, id string, f Filter[T], opts ...NodeOption) *Builder {
	var zero T
	r := &nodeReg{
		id:          id,
		kind:        KindFilter,
		inType:      reflect.TypeOf(&zero).Elem(),
		outType:     reflect.TypeOf(&zero).Elem(),
		parallelism: 1,
		ordered:     true,
	}
	applyOpts(r, opts)
	r.newPipe = newPipeFunc[T](id)
	r.instantiate = func(rc *RunContext, ins []any, out any) (func(ctx context.Context) error, error) {
		if len(ins) != 1 {
			return nil, fmt.Errorf("flow: node %s: filter requires exactly one input edge", id)
		}
		reader, ok := ins[0].(*Reader[T])
		if !ok {
			return nil, fmt.Errorf("flow: node %s: input wiring type mismatch", id)
		}
		writer, ok := out.(*Writer[T])
		if !ok {
			return nil, fmt.Errorf("flow: node %s: output wiring type mismatch", id)
		}
		ro := newResilientOptions(rc, id, r.retry, r.breaker, r.deadletter)
		return func(ctx context.Context) error {
			return runFilter(ctx, rc, id, f, reader, writer, r.parallelism, r.ordered, ro)
		}, nil
	}
	b.register(r)
	return b
}

// AddMerge registers a Merge[T] under id. It needs at least two incoming
// edges (checked when Plan.Run instantiates the node) and, like any
// non-sink node, one or more outgoing edges.
func AddMerge[T any](b *Builder, id string, m Merge[T], opts ...NodeOption) *Builder {
	var zero T
	r := &nodeReg{id: id, kind: KindMerge, inType: reflect.TypeOf(&zero).Elem(), outType: reflect.TypeOf(&zero).Elem()}
	applyOpts(r, opts)
	r.newPipe = newPipeFunc[T](id)
	r.instantiate = func(rc *RunContext, ins []any, out any) (func(ctx context.Context) error, error) {
		if len(ins) < 2 {
			return nil, fmt.Errorf("flow: node %s: merge requires at least two input edges", id)
		}
		readers := make([]*Reader[T], len(ins))
		for i, in := range ins {
			rd, ok := in.(*Reader[T])
			if !ok {
				return nil, fmt.Errorf("flow: node %s: input wiring type mismatch", id)
			}
			readers[i] = rd
		}
		writer, ok := out.(*Writer[T])
		if !ok {
			return nil, fmt.Errorf("flow: node %s: output wiring type mismatch", id)
		}
		ro := newResilientOptions(rc, id, r.retry, r.breaker, r.deadletter)
		return func(ctx context.Context) error {
			return runMerge(ctx, rc, id, m, readers, writer, ro)
		}, nil
	}
	b.register(r)
	return b
}

// AddSink registers a Sink[T] under id. Sinks have no outgoing edges.
func AddSink[T any](b *Builder, id string, s Sink[T], opts ...NodeOption) *Builder {
	var zero T
	r := &nodeReg{id: id, kind: KindSink, inType: reflect.TypeOf(&zero).Elem(), parallelism: 1}
	applyOpts(r, opts)
	r.instantiate = func(rc *RunContext, ins []any, out any) (func(ctx context.Context) error, error) {
		if len(ins) != 1 {
			return nil, fmt.Errorf("flow: node %s: sink requires exactly one input edge", id)
		}
		reader, ok := ins[0].(*Reader[T])
		if !ok {
			return nil, fmt.Errorf("flow: node %s: input wiring type mismatch", id)
		}
		ro := newResilientOptions(rc, id, r.retry, r.breaker, r.deadletter)
		return func(ctx context.Context) error {
			return runSink(ctx, rc, id, s, reader, ro)
		}, nil
	}
	b.register(r)
	return b
}

// Connect wires node from's output to node to's input. Non-merge nodes may
// have at most one incoming edge; source nodes may have no incoming edges;
// sink nodes may have no outgoing edges. Connect records the edge for
// validation and pipe construction in Build; it reports a type mismatch
// immediately since both node types are already known at this point.
func (b *Builder) Connect(from, to string, opts ...EdgeOption) *Builder {
	if b.err != nil {
		return b
	}
	fr, ok := b.nodes[from]
	if !ok {
		b.err = fmt.Errorf("%w: unknown source node %q", ErrInvalidGraph, from)
		return b
	}
	tr, ok := b.nodes[to]
	if !ok {
		b.err = fmt.Errorf("%w: unknown destination node %q", ErrInvalidGraph, to)
		return b
	}
	if fr.kind == KindSink {
		b.err = fmt.Errorf("%w: sink node %q cannot have an outgoing edge", ErrInvalidGraph, from)
		return b
	}
	if tr.kind == KindSource {
		b.err = fmt.Errorf("%w: source node %q cannot have an incoming edge", ErrInvalidGraph, to)
		return b
	}
	if fr.outType != tr.inType {
		b.err = fmt.Errorf("%w: %s (%s) -> %s (%s) type mismatch", ErrInvalidGraph, from, fr.outType, to, tr.inType)
		return b
	}
	if tr.kind != KindMerge {
		for _, e := range b.edges {
			if e.to == to {
				b.err = fmt.Errorf("%w: non-merge node %q already has an incoming edge", ErrInvalidGraph, to)
				return b
			}
		}
	}

	e := edge{from: from, to: to, capacity: fr.capacity, policy: fr.policy}
	for _, opt := range opts {
		opt(&e)
	}
	b.edges = append(b.edges, e)
	return b
}

// Build validates the graph (acyclic, every non-source node has an incoming
// edge, every non-sink node has an outgoing edge) and compiles it into a
// Plan ready for Run.
func (b *Builder) Build() (*Plan, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("%w: graph has no nodes", ErrInvalidGraph)
	}

	indeg := make(map[string]int, len(b.nodes))
	outdeg := make(map[string]int, len(b.nodes))
	adj := make(map[string][]string, len(b.nodes))
	for id := range b.nodes {
		indeg[id] = 0
		outdeg[id] = 0
	}
	for _, e := range b.edges {
		indeg[e.to]++
		outdeg[e.from]++
		adj[e.from] = append(adj[e.from], e.to)
	}

	for id, r := range b.nodes {
		if r.kind != KindSource && indeg[id] == 0 {
			return nil, fmt.Errorf("%w: node %q has no incoming edge", ErrInvalidGraph, id)
		}
		if r.kind != KindSink && outdeg[id] == 0 {
			return nil, fmt.Errorf("%w: node %q has no outgoing edge", ErrInvalidGraph, id)
		}
	}

	order, err := topoSort(b.order, adj, indeg)
	if err != nil {
		return nil, err
	}

	return &Plan{nodes: b.nodes, edges: b.edges, order: order}, nil
}

// topoSort runs Kahn's algorithm over adj/indeg, iterating seeds in ids'
// original registration order so the result is deterministic across builds
// of the same graph.
func topoSort(ids []string, adj map[string][]string, indeg map[string]int) ([]string, error) {
	remaining := make(map[string]int, len(indeg))
	for k, v := range indeg {
		remaining[k] = v
	}

	var queue []string
	for _, id := range ids {
		if remaining[id] == 0 {
			queue = append(queue, id)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range adj[id] {
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(ids) {
		return nil, fmt.Errorf("%w: cycle detected", ErrInvalidGraph)
	}
	return order, nil
}

// Plan is a validated, immutable graph ready to be run by Plan.Run. It holds
// no per-run state; the same Plan can be run concurrently multiple times.
type Plan struct {
	nodes map[string]*nodeReg
	edges []edge
	order []string
}
