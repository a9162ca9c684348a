package driftkit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"reflect"
	"time"
)

// RetryPolicy declares how a step's failures are retried. The zero value of
// each field falls back to the documented default.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations, at least 1.
	MaxAttempts int
	// Delay is the base backoff before the second attempt.
	Delay time.Duration
	// BackoffMultiplier scales the delay per attempt; values below 1.0 are
	// treated as 1.0 (constant delay).
	BackoffMultiplier float64
	// MaxDelay caps the computed backoff. Zero means no cap.
	MaxDelay time.Duration
	// JitterFactor spreads each delay uniformly in
	// [delay*(1-jitter), delay*(1+jitter)]. Zero uses the engine default.
	JitterFactor float64
	// RetryOn lists error types that trigger a retry. Empty retries all.
	RetryOn []reflect.Type
	// AbortOn lists error types that skip retry. Wins over RetryOn.
	AbortOn []reflect.Type
	// RetryOnFailResult also counts an explicit Fail result (no error
	// returned from the step function) as a retryable attempt.
	RetryOnFailResult bool
}

// Retries is a convenience constructor for the common shape: n total
// attempts with a fixed base delay and default backoff.
func Retries(maxAttempts int, delay time.Duration) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: maxAttempts, Delay: delay}
}

// backoff returns the sleep after attempt n (1-based) failed, before attempt
// n+1: min(delay × multiplier^(n-1), maxDelay), jittered
// uniformly by ±jitter.
func (p *RetryPolicy) backoff(attempt int, jitterDefault float64) time.Duration {
	mult := p.BackoffMultiplier
	if mult < 1.0 {
		mult = 1.0
	}
	d := float64(p.Delay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	jitter := p.JitterFactor
	if jitter == 0 {
		jitter = jitterDefault
	}
	if jitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// shouldRetry decides whether a failed attempt is retried. AbortOn wins over
// RetryOn; an empty RetryOn retries every error. fromResult distinguishes an
// explicit Fail result from an error returned by the step function.
func (p *RetryPolicy) shouldRetry(err error, fromResult bool) bool {
	if fromResult && !p.RetryOnFailResult {
		return false
	}
	if err != nil {
		if errorMatchesAny(err, p.AbortOn) {
			return false
		}
		if len(p.RetryOn) > 0 && !errorMatchesAny(err, p.RetryOn) {
			return false
		}
	}
	return true
}

// errorMatchesAny reports whether err (or anything it wraps) has a dynamic
// type assignable to one of the listed types.
func errorMatchesAny(err error, types []reflect.Type) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for _, want := range types {
			if t.AssignableTo(want) {
				return true
			}
		}
	}
	return false
}

// retryExecutor wraps a single step invocation with its retry policy.
// Sleeps are cancellable: both context cancellation and an instance Cancel
// abort the backoff immediately.
type retryExecutor struct {
	jitterDefault float64
	logger        *slog.Logger
}

func newRetryExecutor(jitterDefault float64, logger *slog.Logger) *retryExecutor {
	if logger == nil {
		logger = nopLogger
	}
	return &retryExecutor{jitterDefault: jitterDefault, logger: logger}
}

// attempted is the outcome of a retried invocation: the final result plus
// the number of attempts actually made.
type attempted struct {
	result   StepResult
	attempts int
}

// run invokes attempt up to the policy's MaxAttempts, returning the first
// non-Fail result or the last failure after exhaustion. Attempt counters and
// the last error are recorded into the workflow context for observability.
// Suspend and Async results are success for retry purposes.
func (x *retryExecutor) run(ctx context.Context, stepID string, policy *RetryPolicy, wctx *WorkflowContext, cancelled <-chan struct{}, attempt func() StepResult) attempted {
	if policy == nil {
		wctx.setAttempt(1, nil)
		return attempted{result: attempt(), attempts: 1}
	}

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last StepResult
	var lastErr error
	for n := 1; n <= maxAttempts; n++ {
		wctx.setAttempt(n, lastErr)
		last = attempt()
		if !last.isFailure() {
			return attempted{result: last, attempts: n}
		}

		lastErr = last.Err()
		fromResult := !isStepError(lastErr)
		if n == maxAttempts || !policy.shouldRetry(lastErr, fromResult) {
			return attempted{result: last, attempts: n}
		}

		delay := policy.backoff(n, x.jitterDefault)
		x.logger.Debug("step retry scheduled",
			"step", stepID, "attempt", n, "max_attempts", maxAttempts,
			"delay", delay, "error", lastErr)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempted{result: Fail(ctx.Err()), attempts: n}
			case <-cancelled:
				timer.Stop()
				return attempted{result: Fail(&CancelledError{RunID: wctx.RunID()}), attempts: n}
			case <-timer.C:
			}
		}
	}
	return attempted{result: last, attempts: maxAttempts}
}

// isStepError reports whether the Fail error originated from a returned
// error (as opposed to an explicit Fail result built by the step). The step
// invoker marks returned errors by wrapping; an explicit Fail keeps the
// author's error untouched.
func isStepError(err error) bool {
	var m *stepErrMark
	return errors.As(err, &m)
}

// stepErrMark wraps errors returned (or panicked) by step functions so the
// retry executor can distinguish them from explicit Fail results.
type stepErrMark struct{ err error }

func (m *stepErrMark) Error() string { return m.err.Error() }
func (m *stepErrMark) Unwrap() error { return m.err }
