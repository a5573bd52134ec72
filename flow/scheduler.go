package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/nodestream/flow/observe"
)

// runSource drives a Source to completion, optionally under retry, closing
// out normally or failing it on terminal error. Retrying a Source re-invokes
// Emit from scratch; a Source that has already written some items before
// failing may re-emit them on retry, so retry is only safe to enable on
// sources whose downstream is tolerant of duplicates (the default, no
// retry, is exactly-once-attempt and never duplicates).
func runSource[T any](ctx context.Context, rc *RunContext, nodeID string, src Source[T], out *Writer[T], ro *resilientOptions) error {
	err := callResilient(ctx, rc, nodeID, ro, nil, func(ctx context.Context, attempt int) error {
		return src.Emit(rc.WithNode(ctx, nodeID, attempt), out)
	})
	// errDeadlettered means the whole Emit invocation was recovered by a
	// deadletter handler, not that any item was skipped — treat it like a
	// normal, successful completion rather than failing the pipe.
	if err != nil && !errors.Is(err, errDeadlettered) {
		out.Fail(err)
		return err
	}
	out.Close()
	return nil
}

// runMerge drives a Merge to completion over its input readers, closing out
// normally or failing it on terminal error.
func runMerge[T any](ctx context.Context, rc *RunContext, nodeID string, m Merge[T], ins []*Reader[T], out *Writer[T], ro *resilientOptions) error {
	err := callResilient(ctx, rc, nodeID, ro, nil, func(ctx context.Context, attempt int) error {
		return m.Fold(rc.WithNode(ctx, nodeID, attempt), ins, out)
	})
	if err != nil && !errors.Is(err, errDeadlettered) {
		out.Fail(err)
		return err
	}
	out.Close()
	return nil
}

// runSink drains a Sink to completion. A Sink owns no output pipe, so there
// is nothing to Close or Fail on its behalf; its own Drain implementation is
// responsible for any side effects it performs.
func runSink[T any](ctx context.Context, rc *RunContext, nodeID string, s Sink[T], in *Reader[T], ro *resilientOptions) error {
	err := callResilient(ctx, rc, nodeID, ro, nil, func(ctx context.Context, attempt int) error {
		return s.Drain(rc.WithNode(ctx, nodeID, attempt), in)
	})
	if errors.Is(err, errDeadlettered) {
		return nil
	}
	return err
}

// nodeCounters holds the atomic per-node activity counts accumulated during
// one Plan.Run invocation.
type nodeCounters struct {
	consumed     atomic.Int64
	emitted      atomic.Int64
	retried      atomic.Int64
	dropped      atomic.Int64
	deadlettered atomic.Int64
	filtered     atomic.Int64
}

// runStats is the run-scoped registry of nodeCounters, one per node ID,
// created lazily so nodes that never execute never appear in a report.
type runStats struct {
	mu       sync.Mutex
	counters map[string]*nodeCounters
}

func newRunStats() *runStats {
	return &runStats{counters: make(map[string]*nodeCounters)}
}

func (s *runStats) forNode(nodeID string) *nodeCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[nodeID]
	if !ok {
		c = &nodeCounters{}
		s.counters[nodeID] = c
	}
	return c
}

func (s *runStats) snapshot() map[string]NodeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]NodeStats, len(s.counters))
	for id, c := range s.counters {
		out[id] = NodeStats{
			Consumed:     c.consumed.Load(),
			Emitted:      c.emitted.Load(),
			Retried:      c.retried.Load(),
			Dropped:      c.dropped.Load(),
			Deadlettered: c.deadlettered.Load(),
			Filtered:     c.filtered.Load(),
		}
	}
	return out
}

// NodeStats is a snapshot of one node's activity over the course of a run.
type NodeStats struct {
	Consumed     int64
	Emitted      int64
	Retried      int64
	Dropped      int64
	Deadlettered int64
	Filtered     int64
}

// RunStatus reports how a Plan.Run invocation ended.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunReport summarizes one Plan.Run invocation.
type RunReport struct {
	RunID     string
	Status    RunStatus
	Err       error
	Duration  time.Duration
	NodeStats map[string]NodeStats
}

// RunOptions configures one Plan.Run invocation.
type RunOptions struct {
	RunID         string
	CorrelationID string
	Parameters    map[string]any
	Observer      observe.Observer
	Timeout       time.Duration
}

// RunOption customizes a Plan.Run invocation.
type RunOption func(*RunOptions)

// WithRunID sets an explicit run ID instead of a generated UUID.
func WithRunID(id string) RunOption { return func(o *RunOptions) { o.RunID = id } }

// WithCorrelationID sets an explicit correlation ID instead of a generated UUID.
func WithCorrelationID(id string) RunOption { return func(o *RunOptions) { o.CorrelationID = id } }

// WithParameters attaches a read-only parameter map to the run's
// RunContext.Parameters. Node bodies receive only a context.Context, which
// does not carry the parameter map.
func WithParameters(p map[string]any) RunOption { return func(o *RunOptions) { o.Parameters = p } }

// WithObserver attaches an event observer for this run.
func WithObserver(ob observe.Observer) RunOption { return func(o *RunOptions) { o.Observer = ob } }

// WithTimeout bounds the whole run's wall-clock duration.
func WithTimeout(d time.Duration) RunOption { return func(o *RunOptions) { o.Timeout = d } }

// Run materializes the Plan's pipes, launches every node concurrently under a
// shared cancellation scope, and blocks until all nodes finish. The first
// node failure cancels every other node; because Pipe.Fail drains buffered
// items before raising, a failure never silently discards work already
// queued ahead of it.
func (p *Plan) Run(ctx context.Context, opts ...RunOption) (*RunReport, error) {
	var ro RunOptions
	for _, opt := range opts {
		opt(&ro)
	}

	rc := NewRunContext(ro.RunID, ro.CorrelationID, ro.Parameters, ro.Observer)
	defer rc.Release()

	runCtx := ctx
	var cancel context.CancelFunc
	if ro.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, ro.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	outEdgeIdx := make(map[string][]int, len(p.nodes))
	inEdgeIdx := make(map[string][]int, len(p.nodes))
	for i, e := range p.edges {
		outEdgeIdx[e.from] = append(outEdgeIdx[e.from], i)
		inEdgeIdx[e.to] = append(inEdgeIdx[e.to], i)
	}

	// writers is exactly the shape of per-node output handle map Pools.GetItems
	// rents out: framework-owned, sized once per run, discarded once every node
	// has read its own entry back out during body construction below.
	writers := rc.pools.GetItems()
	defer rc.pools.PutItems(writers)
	edgeReaders := make([]any, len(p.edges))
	droppedFns := make(map[string]func() int64, len(p.nodes))

	for id, n := range p.nodes {
		if n.newPipe == nil {
			continue // sink: no outgoing edges, nothing to materialize
		}
		idxs := outEdgeIdx[id]
		capacity, policy := n.capacity, n.policy
		if len(idxs) == 1 {
			e := p.edges[idxs[0]]
			capacity, policy = e.capacity, e.policy
		}
		writer, readers, dropped := n.newPipe(capacity, policy, len(idxs))
		writers[id] = writer
		droppedFns[id] = dropped
		for pos, idx := range idxs {
			edgeReaders[idx] = readers[pos]
		}
	}

	bodies := make(map[string]func(context.Context) error, len(p.nodes))
	for id, n := range p.nodes {
		idxs := inEdgeIdx[id]
		ins := make([]any, 0, len(idxs))
		for _, idx := range idxs {
			ins = append(ins, edgeReaders[idx])
		}
		out := writers[id] // nil for Sink, matching instantiate's expectations

		body, err := n.instantiate(rc, ins, out)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("flow: node %s: %w", id, err)
		}
		bodies[id] = body
	}

	started := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, len(bodies))
	for id, body := range bodies {
		wg.Add(1)
		go func(id string, body func(context.Context) error) {
			defer wg.Done()
			if err := body(runCtx); err != nil {
				errs <- fmt.Errorf("flow: node %s: %w", id, err)
			}
		}(id, body)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	// Collect every node's exit error, then pick the first non-cancellation
	// failure if one exists; only report a cancellation when every observed
	// error is itself a cancellation. A node failing for a real reason
	// cancels the root immediately so the rest of the graph unwinds, but the
	// run's reported status must not let that induced cancellation mask the
	// actual cause surfacing concurrently from another node.
	var all []error
	cancelled := false
	for err := range errs {
		all = append(all, err)
		if !cancelled {
			cancelled = true
			cancel()
		}
	}

	var firstErr error
	for _, err := range all {
		if !isCancellation(err) {
			firstErr = err
			break
		}
	}
	if firstErr == nil && len(all) > 0 {
		firstErr = all[0]
	}

	for id, dropped := range droppedFns {
		if dropped == nil {
			continue
		}
		n := dropped()
		rc.stats.forNode(id).dropped.Store(n)
		if n > 0 {
			rc.Observer.Emit(observe.Event{RunID: rc.RunID, NodeID: id, CorrelationID: rc.CorrelationID, Msg: "item_dropped", Meta: map[string]any{"count": n}})
		}
	}

	report := &RunReport{
		RunID:     rc.RunID,
		Duration:  time.Since(started),
		NodeStats: rc.stats.snapshot(),
	}
	switch {
	case firstErr == nil:
		report.Status = RunSucceeded
	case isCancellation(firstErr):
		report.Status = RunCancelled
		report.Err = firstErr
	default:
		report.Status = RunFailed
		report.Err = firstErr
	}
	return report, firstErr
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCancelled)
}
