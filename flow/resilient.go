package flow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dshills/nodestream/flow/observe"
)

// errDeadlettered signals that callResilient absorbed an exhausted item via
// the deadletter handler rather than the node succeeding. It is never a
// "real" failure: callers that treat a single callResilient invocation as
// one item (the parallel engine) must drop the item instead of forwarding a
// zero value downstream; callers that treat it as a whole node body (source,
// merge, sink) must treat it like success, since the node already recovered.
var errDeadlettered = errors.New("flow: item deadlettered")

// BreakerState names a circuit breaker's current position in the
// closed -> open -> half-open -> closed cycle.
type BreakerState int32

const (
	// BreakerClosed passes every call through.
	BreakerClosed BreakerState = iota
	// BreakerOpen fast-fails every call without invoking the node.
	BreakerOpen
	// BreakerHalfOpen passes calls through as trial calls to test recovery;
	// the number of concurrent trial calls is not limited.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreakerOptions configures a per-node circuit breaker. A zero value
// disables the breaker (always closed).
type CircuitBreakerOptions struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from closed to open. Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before allowing a
	// half-open trial.
	Cooldown time.Duration
	// HalfOpenTrials is how many successful trial calls in half-open are
	// required to close the breaker again. Defaults to 1.
	HalfOpenTrials int
}

type circuitBreaker struct {
	mu           sync.Mutex
	opts         CircuitBreakerOptions
	state        BreakerState
	consecFails  int
	openedAt     time.Time
	halfOpenOK   int
	onTransition func(from, to BreakerState)
}

func newCircuitBreaker(opts CircuitBreakerOptions, onTransition func(from, to BreakerState)) *circuitBreaker {
	if opts.HalfOpenTrials <= 0 {
		opts.HalfOpenTrials = 1
	}
	return &circuitBreaker{opts: opts, onTransition: onTransition}
}

func (cb *circuitBreaker) disabled() bool { return cb.opts.FailureThreshold <= 0 }

// allow reports whether a call may proceed, transitioning open->half-open
// once the cooldown has elapsed.
func (cb *circuitBreaker) allow() bool {
	if cb.disabled() {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.openedAt) >= cb.opts.Cooldown {
			cb.transition(BreakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *circuitBreaker) recordSuccess() {
	if cb.disabled() {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerHalfOpen:
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.opts.HalfOpenTrials {
			cb.transition(BreakerClosed)
		}
	default:
		cb.consecFails = 0
	}
}

func (cb *circuitBreaker) recordFailure() {
	if cb.disabled() {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerHalfOpen:
		cb.transition(BreakerOpen)
	default:
		cb.consecFails++
		if cb.consecFails >= cb.opts.FailureThreshold {
			cb.transition(BreakerOpen)
		}
	}
}

// transition must be called with cb.mu held.
func (cb *circuitBreaker) transition(to BreakerState) {
	from := cb.state
	cb.state = to
	switch to {
	case BreakerOpen:
		cb.openedAt = time.Now()
	case BreakerClosed:
		cb.consecFails = 0
	case BreakerHalfOpen:
		cb.halfOpenOK = 0
	}
	if cb.onTransition != nil && from != to {
		cb.onTransition(from, to)
	}
}

// DeadletterEnvelope captures everything needed to diagnose or replay an
// item that exhausted its retries; it is what a DeadletterHandler receives.
type DeadletterEnvelope struct {
	OriginalInput any
	ExceptionType string
	Message       string
	StackTrace    string
	NodeID        string
	Attempt       int
	Timestamp     time.Time
	CorrelationID string
}

// DeadletterHandler receives items that failed permanently. A nil handler
// means the node invocation fails outright once retries are exhausted.
type DeadletterHandler func(ctx context.Context, env DeadletterEnvelope)

// resilientOptions bundles the pieces the resilient executor needs per node:
// retry policy, an optional breaker, and an optional deadletter sink.
type resilientOptions struct {
	retry      RetryOptions
	breaker    *circuitBreaker
	deadletter DeadletterHandler
}

// breakerEventMsg maps a BreakerState to the Event.Msg the teacher's own
// emit/log.go convention expects for state-transition events.
func breakerEventMsg(s BreakerState) string {
	switch s {
	case BreakerOpen:
		return "circuit_open"
	case BreakerHalfOpen:
		return "circuit_half_open"
	default:
		return "circuit_close"
	}
}

// newResilientOptions builds the per-node-per-run resilientOptions the
// scheduler and parallel engine wrap a node invocation with. A circuit
// breaker, if configured, is instantiated once here (not once per item) so
// its consecutive-failure count and open/half-open state persist across the
// node's whole run, and its transitions are surfaced through rc.Observer so
// operators see "circuit_open"/"circuit_close"/"circuit_half_open" the same
// way they see retries and deadletters.
func newResilientOptions(rc *RunContext, nodeID string, retry *RetryOptions, breaker *CircuitBreakerOptions, deadletter DeadletterHandler) *resilientOptions {
	if retry == nil && breaker == nil && deadletter == nil {
		return nil
	}
	ro := &resilientOptions{deadletter: deadletter}
	if retry != nil {
		ro.retry = *retry
	}
	if breaker != nil {
		ro.breaker = newCircuitBreaker(*breaker, func(from, to BreakerState) {
			rc.Observer.Emit(observe.Event{
				RunID:         rc.RunID,
				NodeID:        nodeID,
				CorrelationID: rc.CorrelationID,
				Msg:           breakerEventMsg(to),
			})
		})
	}
	return ro
}

// callResilient runs fn under retry, circuit breaker, and deadletter
// semantics. input is only used to build the deadletter envelope on final
// failure; fn itself is the node invocation closure built by the caller.
func callResilient(ctx context.Context, rc *RunContext, nodeID string, ro *resilientOptions, input any, fn func(ctx context.Context, attempt int) error) error {
	if ro == nil {
		return fn(ctx, 0)
	}

	maxAttempts := ro.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var st backoffState
	var lastErr error
	var exhausted bool

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ro.breaker != nil && !ro.breaker.allow() {
			return &Error{Kind: KindCircuitOpen, NodeID: nodeID, Attempt: attempt, CorrelationID: rc.CorrelationID, Message: "circuit breaker open"}
		}

		err := invokeSafely(ctx, attempt, fn)
		if err == nil {
			if ro.breaker != nil {
				ro.breaker.recordSuccess()
			}
			return nil
		}

		lastErr = err
		if ro.breaker != nil {
			ro.breaker.recordFailure()
		}
		rc.stats.forNode(nodeID).retried.Add(1)
		rc.Observer.Emit(observe.Event{RunID: rc.RunID, NodeID: nodeID, Attempt: attempt, CorrelationID: rc.CorrelationID, Msg: "retry", Meta: map[string]any{"error": err.Error()}})

		if !ro.retry.isRetryable(err) {
			break
		}
		if attempt == maxAttempts-1 {
			exhausted = true
			break
		}

		wait := ro.retry.delay(attempt, &st, rc.Rand())
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return newError(KindCancelled, nodeID, attempt, rc.CorrelationID, "retry wait cancelled", ctx.Err())
		}
	}

	if ro.deadletter != nil {
		ro.deadletter(ctx, DeadletterEnvelope{
			OriginalInput: input,
			ExceptionType: fmt.Sprintf("%T", lastErr),
			Message:       lastErr.Error(),
			StackTrace:    truncateStack(debug.Stack(), 4096),
			NodeID:        nodeID,
			Attempt:       maxAttempts - 1,
			Timestamp:     time.Now(),
			CorrelationID: rc.CorrelationID,
		})
		rc.stats.forNode(nodeID).deadlettered.Add(1)
		rc.Observer.Emit(observe.Event{RunID: rc.RunID, NodeID: nodeID, CorrelationID: rc.CorrelationID, Msg: "deadletter"})
		return errDeadlettered
	}

	cause := lastErr
	if exhausted {
		cause = fmt.Errorf("%w: %w", ErrMaxAttemptsExceeded, lastErr)
	}
	return newError(KindPermanent, nodeID, maxAttempts-1, rc.CorrelationID, "retries exhausted", cause)
}

// invokeSafely recovers a panic inside fn and turns it into an error so one
// misbehaving node body cannot crash the whole run.
func invokeSafely(ctx context.Context, attempt int, fn func(context.Context, int) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flow: node panicked: %v", r)
		}
	}()
	return fn(ctx, attempt)
}

func truncateStack(stack []byte, max int) string {
	if len(stack) <= max {
		return string(stack)
	}
	return string(stack[:max])
}
