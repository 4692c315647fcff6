// Package retry executes operations with capped retries and exponential
// backoff. Before each call it consults the per-endpoint rate-limit gate;
// failures are classified (cancelled, timeout, rate-limit, empty-output,
// transient, permanent) and only the retryable classes consume attempts.
// Every exhausted call carries a one-line diagnostic.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/codeready-toolchain/delegate/pkg/models"
)

// JitterMode selects how backoff delays are randomized.
type JitterMode string

// Jitter modes.
const (
	JitterNone    JitterMode = "none"    // exact delay
	JitterPartial JitterMode = "partial" // delay * uniform[0.5, 1.0]
	JitterFull    JitterMode = "full"    // uniform[0, delay]
)

// Policy tunes one Do invocation.
type Policy struct {
	MaxRetries          int
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	Multiplier          float64
	Jitter              JitterMode
	MaxRateLimitRetries int
	MaxRateLimitWait    time.Duration
}

// DefaultPolicy is the everyday retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:          3,
		InitialDelay:        500 * time.Millisecond,
		MaxDelay:            15 * time.Second,
		Multiplier:          2,
		Jitter:              JitterPartial,
		MaxRateLimitRetries: 4,
		MaxRateLimitWait:    60 * time.Second,
	}
}

// StablePolicy overrides caller-supplied parameters with deterministic
// values for reproducible behavior under test and in CI.
func StablePolicy() Policy {
	return Policy{
		MaxRetries:          4,
		InitialDelay:        time.Second,
		MaxDelay:            30 * time.Second,
		Multiplier:          2,
		Jitter:              JitterNone,
		MaxRateLimitRetries: 6,
		MaxRateLimitWait:    90 * time.Second,
	}
}

// Gate is the per-endpoint admission gate consulted before each attempt.
// Implemented by the adaptive rate controller.
type Gate interface {
	GateWait(key string) time.Duration
}

// Observer receives classified attempt outcomes for learning. Implemented
// by the orchestrator's adaptive feedback hook.
type Observer func(key string, class Classification, duration time.Duration)

// Operation is the retried unit of work.
type Operation func(ctx context.Context) (string, error)

// Outcome summarizes an exhausted or successful Do call.
type Outcome struct {
	Code          models.OutcomeCode
	Class         Classification
	Attempts      int
	RateLimitHits int
	GateWaited    time.Duration
	LastStatus    int
	Diagnostic    string
}

// Engine runs operations under a policy with a shared gate.
type Engine struct {
	gate     Gate
	observer Observer
}

// NewEngine creates a retry engine. gate and observer may be nil.
func NewEngine(gate Gate, observer Observer) *Engine {
	return &Engine{gate: gate, observer: observer}
}

// Delay returns the backoff before attempt n (1-based) under the policy,
// jitter applied.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	switch p.Jitter {
	case JitterPartial:
		d *= 0.5 + rand.Float64()*0.5
	case JitterFull:
		d *= rand.Float64()
	}
	return time.Duration(d)
}

// Do executes op with retries for endpoint key. On success it returns the
// operation's value; otherwise the Outcome classifies the failure and the
// last error is returned.
func (e *Engine) Do(ctx context.Context, key string, policy Policy, op Operation) (string, Outcome, error) {
	out := Outcome{}

	// Consult the rate-limit gate once per call, before the first attempt.
	if e.gate != nil {
		if wait := e.gate.GateWait(key); wait > 0 {
			if wait > policy.MaxRateLimitWait {
				wait = policy.MaxRateLimitWait
			}
			slog.Info("Rate-limit gate engaged, delaying dispatch",
				"endpoint", key, "wait", wait)
			out.GateWaited = wait
			select {
			case <-ctx.Done():
				out.Code = models.OutcomeCancelled
				out.Class = ClassCancelled
				out.Diagnostic = e.diagnostic(key, out, ctx.Err())
				return "", out, ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	retries := 0
	rateLimitRetries := 0

	for {
		if err := ctx.Err(); err != nil {
			out.Code = models.OutcomeCancelled
			out.Class = ClassCancelled
			out.Diagnostic = e.diagnostic(key, out, err)
			return "", out, err
		}

		out.Attempts++
		start := time.Now()
		value, err := op(ctx)
		elapsed := time.Since(start)

		if err == nil {
			e.observe(key, "", elapsed)
			out.Code = models.OutcomeSuccess
			return value, out, nil
		}
		class := Classify(err)
		out.Class = class
		if status := Status(err); status != 0 {
			out.LastStatus = status
		}
		e.observe(key, class, elapsed)

		switch class {
		case ClassCancelled:
			out.Code = models.OutcomeCancelled
			out.Diagnostic = e.diagnostic(key, out, err)
			return "", out, err

		case ClassTimeout:
			out.Code = models.OutcomeTimeout
			out.Diagnostic = e.diagnostic(key, out, err)
			return "", out, err

		case ClassRateLimit:
			out.RateLimitHits++
			rateLimitRetries++
			if rateLimitRetries > policy.MaxRateLimitRetries {
				out.Code = models.OutcomeRetryableFailure
				out.Diagnostic = e.diagnostic(key, out, err)
				return "", out, err
			}

		case ClassEmptyOutput, ClassTransient:
			retries++
			if retries > policy.MaxRetries {
				out.Code = models.OutcomeRetryableFailure
				out.Diagnostic = e.diagnostic(key, out, err)
				return "", out, err
			}

		default: // ClassPermanent
			out.Code = models.OutcomeNonRetryableFailure
			out.Diagnostic = e.diagnostic(key, out, err)
			return "", out, err
		}

		delay := policy.Delay(out.Attempts)
		if class == ClassRateLimit && e.gate != nil {
			// The gate knows the endpoint's streak; prefer its wait when longer.
			if gateWait := e.gate.GateWait(key); gateWait > delay {
				delay = min(gateWait, policy.MaxRateLimitWait)
				out.GateWaited += delay
			}
		}
		select {
		case <-ctx.Done():
			out.Code = models.OutcomeCancelled
			out.Class = ClassCancelled
			out.Diagnostic = e.diagnostic(key, out, ctx.Err())
			return "", out, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (e *Engine) observe(key string, class Classification, duration time.Duration) {
	if e.observer != nil {
		e.observer(key, class, duration)
	}
}

// diagnostic builds the single-line failure summary surfaced to users.
func (e *Engine) diagnostic(key string, out Outcome, err error) string {
	return fmt.Sprintf(
		"endpoint=%s attempts=%d class=%s last_status=%d rate_limit_hits=%d gate_waited=%s error=%v",
		key, out.Attempts, out.Class, out.LastStatus, out.RateLimitHits,
		out.GateWaited.Round(time.Millisecond), err,
	)
}
