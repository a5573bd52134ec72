package flow

import (
	"math"
	"time"
)

// randSource is the narrow surface jitter computation needs from a random
// number generator, letting the run-scoped generator be safe for concurrent
// use by many nodes/workers without exposing the full math/rand.Rand API.
type randSource interface {
	Int63n(n int64) int64
	Int63() int64
}

// BackoffShape selects the delay-growth curve RetryOptions.delay computes
// before jitter is applied.
type BackoffShape int

const (
	// BackoffFixed uses the same base delay for every attempt.
	BackoffFixed BackoffShape = iota
	// BackoffLinear grows delay linearly with attempt number.
	BackoffLinear
	// BackoffExponential grows delay by RetryOptions.Multiplier (default 2)
	// raised to the attempt number, capped at Max.
	BackoffExponential
)

// JitterShape selects how randomness is folded into a computed delay.
type JitterShape int

const (
	// JitterNone applies no randomization.
	JitterNone JitterShape = iota
	// JitterFull picks uniformly in [0, delay).
	JitterFull
	// JitterEqual picks uniformly in [delay/2, delay).
	JitterEqual
	// JitterDecorrelated picks uniformly in [base, min(prev*3, Max)), per the
	// AWS decorrelated-jitter algorithm; it needs the previous delay as state,
	// so RetryOptions.delay carries it in backoffState.prev across attempts
	// within one retry loop.
	JitterDecorrelated
)

// RetryOptions configures a node's retry behavior. Composition (shape, base,
// max, jitter) is evaluated by RetryOptions.delay before each retry. The
// jitter state is a fresh backoffState per callResilient call, so no two
// invocations, in the same run or in different runs, share it; it is not
// carried from one item's retry loop to the next.
type RetryOptions struct {
	MaxAttempts int
	Shape       BackoffShape
	Base        time.Duration
	Max         time.Duration
	// Multiplier scales BackoffExponential's growth curve:
	// d(attempt) = base * multiplier^attempt. Zero defaults to 2. Ignored by
	// every other BackoffShape.
	Multiplier float64
	Jitter     JitterShape
	// Retryable classifies whether err should be retried. A nil Retryable
	// treats every error as retryable up to MaxAttempts.
	Retryable func(error) bool
}

// Validate reports whether opts describes a usable retry configuration.
func (o RetryOptions) Validate() error {
	if o.MaxAttempts < 1 {
		return newError(KindConfig, "", 0, "", "retry MaxAttempts must be >= 1", nil)
	}
	if o.Max > 0 && o.Base > 0 && o.Max < o.Base {
		return newError(KindConfig, "", 0, "", "retry Max must be >= Base", nil)
	}
	return nil
}

func (o RetryOptions) isRetryable(err error) bool {
	if o.Retryable == nil {
		return true
	}
	return o.Retryable(err)
}

// backoffState tracks the per-callResilient-call mutable piece of backoff
// computation: the previous delay, needed only by decorrelated jitter.
type backoffState struct {
	prev time.Duration
}

// delay computes the wait before attempt (0-based, the attempt about to be
// retried), updating st for decorrelated jitter's recurrence.
func (o RetryOptions) delay(attempt int, st *backoffState, rng randSource) time.Duration {
	base := o.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := o.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	var d time.Duration
	switch o.Shape {
	case BackoffLinear:
		d = base * time.Duration(attempt+1)
	case BackoffExponential:
		mult := o.Multiplier
		if mult <= 0 {
			mult = 2
		}
		d = time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
	default: // BackoffFixed
		d = base
	}
	if d > max {
		d = max
	}

	d = o.applyJitter(d, base, st, rng)
	st.prev = d
	return d
}

func (o RetryOptions) applyJitter(d, base time.Duration, st *backoffState, rng randSource) time.Duration {
	if rng == nil {
		rng = &safeRand{r: defaultRand()}
	}
	switch o.Jitter {
	case JitterFull:
		if d <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(d)))
	case JitterEqual:
		half := d / 2
		if half <= 0 {
			return d
		}
		return half + time.Duration(rng.Int63n(int64(d-half)))
	case JitterDecorrelated:
		prev := st.prev
		if prev <= 0 {
			prev = base
		}
		upper := prev * 3
		max := o.Max
		if max <= 0 {
			max = 30 * time.Second
		}
		if upper > max {
			upper = max
		}
		if upper <= base {
			return base
		}
		span := int64(upper - base)
		return base + time.Duration(rng.Int63n(span))
	default: // JitterNone
		return d
	}
}
