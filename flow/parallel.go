package flow

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dshills/nodestream/flow/observe"
)

// seqItem pairs an input value with its position in the input stream so an
// ordered consumer can restore sequence after concurrent processing.
type seqItem[T any] struct {
	seq int64
	val T
}

type seqResult[T any] struct {
	seq  int64
	val  T
	keep bool
	err  error
	// deadlettered is true when keep is false because the item was absorbed
	// by a deadletter handler rather than dropped by a Filter's Keep — the
	// two already-distinct counters (deadlettered vs. filtered) must not be
	// conflated when the consumer skips writing the zero-value result.
	deadlettered bool
}

// runParallel drives a bounded worker pool of size parallelism over items
// pulled from in, applying apply to each and writing survivors to out (whose
// underlying pipe already fans out to every downstream reader). When ordered
// is true, results are buffered and released in the same order they were
// read, regardless of which worker finished first; when false, results are
// written in completion order for lower tail latency at the cost of
// reordering.
//
// apply's third return value reports whether the item survives (false
// drops it silently, the Filter case); Transform callers always return true.
func runParallel[In, Out any](
	ctx context.Context,
	rc *RunContext,
	nodeID string,
	in *Reader[In],
	out *Writer[Out],
	parallelism int,
	ordered bool,
	ro *resilientOptions,
	apply func(ctx context.Context, val In) (Out, bool, error),
) error {
	if parallelism < 1 {
		parallelism = 1
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan seqItem[In], parallelism)
	results := make(chan seqResult[Out], parallelism)

	var dispatchErr atomic.Pointer[error]

	var wg sync.WaitGroup
	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				var val Out
				var keep bool
				err := callResilient(workerCtx, rc, nodeID, ro, item.val, func(ctx context.Context, attempt int) error {
					v, k, e := apply(rc.WithNode(ctx, nodeID, attempt), item.val)
					val, keep = v, k
					return e
				})
				deadlettered := errors.Is(err, errDeadlettered)
				if deadlettered {
					// The item was absorbed by the deadletter handler, not
					// produced by apply — val/keep still hold apply's last
					// (failed) return, a zero Out and keep=true, which would
					// otherwise be written downstream as a spurious item.
					var zero Out
					val, keep, err = zero, false, nil
				}
				select {
				case results <- seqResult[Out]{seq: item.seq, val: val, keep: keep, err: err, deadlettered: deadlettered}:
				case <-workerCtx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(work)
		var seq int64
		for {
			item, err := in.Next(workerCtx)
			if err != nil {
				if err != io.EOF {
					dispatchErr.Store(&err)
				}
				return
			}
			rc.stats.forNode(nodeID).consumed.Add(1)
			rc.Observer.Emit(observe.Event{RunID: rc.RunID, NodeID: nodeID, CorrelationID: rc.CorrelationID, Msg: "item_consumed"})
			select {
			case work <- seqItem[In]{seq: seq, val: item}:
				seq++
			case <-workerCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	recordErr := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
		cancel()
	}

	if ordered {
		pending := make(map[int64]seqResult[Out])
		var next int64
		for res := range results {
			if res.err != nil {
				recordErr(res.err)
				continue
			}
			pending[res.seq] = res
			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				if !r.keep {
					if !r.deadlettered {
						rc.stats.forNode(nodeID).filtered.Add(1)
					}
					continue
				}
				if err := out.Write(ctx, r.val); err != nil {
					recordErr(err)
					continue
				}
				rc.stats.forNode(nodeID).emitted.Add(1)
				rc.Observer.Emit(observe.Event{RunID: rc.RunID, NodeID: nodeID, CorrelationID: rc.CorrelationID, Msg: "item_emitted"})
			}
		}
	} else {
		for res := range results {
			if res.err != nil {
				recordErr(res.err)
				continue
			}
			if !res.keep {
				if !res.deadlettered {
					rc.stats.forNode(nodeID).filtered.Add(1)
				}
				continue
			}
			if err := out.Write(ctx, res.val); err != nil {
				recordErr(err)
				continue
			}
			rc.stats.forNode(nodeID).emitted.Add(1)
			rc.Observer.Emit(observe.Event{RunID: rc.RunID, NodeID: nodeID, CorrelationID: rc.CorrelationID, Msg: "item_emitted"})
		}
	}

	if ptr := dispatchErr.Load(); ptr != nil && firstErr == nil {
		firstErr = *ptr
	}

	if firstErr != nil {
		out.Fail(firstErr)
		return firstErr
	}
	out.Close()
	return nil
}

// runTransform adapts Transform to the runParallel shape: every applied
// item survives.
func runTransform[In, Out any](ctx context.Context, rc *RunContext, nodeID string, t Transform[In, Out], in *Reader[In], out *Writer[Out], parallelism int, ordered bool, ro *resilientOptions) error {
	return runParallel(ctx, rc, nodeID, in, out, parallelism, ordered, ro, func(ctx context.Context, val In) (Out, bool, error) {
		o, err := t.Apply(ctx, val)
		return o, true, err
	})
}

// runFilter adapts Filter to the runParallel shape: Keep's bool return
// decides survival.
func runFilter[T any](ctx context.Context, rc *RunContext, nodeID string, f Filter[T], in *Reader[T], out *Writer[T], parallelism int, ordered bool, ro *resilientOptions) error {
	return runParallel(ctx, rc, nodeID, in, out, parallelism, ordered, ro, func(ctx context.Context, val T) (T, bool, error) {
		keep, err := f.Keep(ctx, val)
		return val, keep, err
	})
}
