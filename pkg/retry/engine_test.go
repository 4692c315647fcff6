package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/delegate/pkg/models"
)

// fastPolicy keeps backoff out of the test runtime.
func fastPolicy() Policy {
	return Policy{
		MaxRetries:          3,
		InitialDelay:        time.Millisecond,
		MaxDelay:            5 * time.Millisecond,
		Multiplier:          2,
		Jitter:              JitterNone,
		MaxRateLimitRetries: 4,
		MaxRateLimitWait:    20 * time.Millisecond,
	}
}

type fakeGate struct {
	wait  time.Duration
	calls int
}

func (g *fakeGate) GateWait(string) time.Duration {
	g.calls++
	return g.wait
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Classification
	}{
		{"cancelled", context.Canceled, ClassCancelled},
		{"deadline", context.DeadlineExceeded, ClassTimeout},
		{"wrapped cancel", fmt.Errorf("run: %w", context.Canceled), ClassCancelled},
		{"empty output", ErrEmptyOutput, ClassEmptyOutput},
		{"status 429", &StatusError{Code: 429, Message: "slow down"}, ClassRateLimit},
		{"rate limit message", errors.New("provider: rate limit exceeded"), ClassRateLimit},
		{"overloaded", errors.New("the model is overloaded"), ClassRateLimit},
		{"status 503", &StatusError{Code: 503, Message: "unavailable"}, ClassTransient},
		{"connection reset", errors.New("read: connection reset by peer"), ClassTransient},
		{"timeout message", errors.New("request timed out"), ClassTimeout},
		{"status 400", &StatusError{Code: 400, Message: "bad prompt"}, ClassPermanent},
		{"unknown", errors.New("invalid agent definition"), ClassPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassify_CancelledRateLimitIsCancelled(t *testing.T) {
	err := fmt.Errorf("rate limit hit: %w", context.Canceled)
	assert.Equal(t, ClassCancelled, Classify(err))
}

func TestPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: JitterNone}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(0))
}

func TestPolicy_JitterStaysInRange(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2, Jitter: JitterPartial}
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestEngine_SuccessFirstAttempt(t *testing.T) {
	e := NewEngine(nil, nil)

	value, out, err := e.Do(context.Background(), "p:m", fastPolicy(),
		func(ctx context.Context) (string, error) { return "done", nil })

	require.NoError(t, err)
	assert.Equal(t, "done", value)
	assert.Equal(t, models.OutcomeSuccess, out.Code)
	assert.Equal(t, 1, out.Attempts)
}

func TestEngine_TransientRetriesThenSucceeds(t *testing.T) {
	e := NewEngine(nil, nil)
	calls := 0

	value, out, err := e.Do(context.Background(), "p:m", fastPolicy(),
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("connection refused")
			}
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 3, out.Attempts)
}

func TestEngine_TransientExhaustsRetries(t *testing.T) {
	e := NewEngine(nil, nil)
	boom := errors.New("connection refused")

	_, out, err := e.Do(context.Background(), "p:m", fastPolicy(),
		func(ctx context.Context) (string, error) { return "", boom })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, models.OutcomeRetryableFailure, out.Code)
	assert.Equal(t, ClassTransient, out.Class)
	// MaxRetries=3 means 4 attempts total.
	assert.Equal(t, 4, out.Attempts)
	assert.Contains(t, out.Diagnostic, "endpoint=p:m")
	assert.Contains(t, out.Diagnostic, "class=transient")
	assert.Contains(t, out.Diagnostic, "attempts=4")
}

func TestEngine_PermanentFailsImmediately(t *testing.T) {
	e := NewEngine(nil, nil)

	_, out, err := e.Do(context.Background(), "p:m", fastPolicy(),
		func(ctx context.Context) (string, error) {
			return "", &StatusError{Code: 400, Message: "bad prompt"}
		})

	require.Error(t, err)
	assert.Equal(t, models.OutcomeNonRetryableFailure, out.Code)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 400, out.LastStatus)
}

func TestEngine_TimeoutFailsImmediately(t *testing.T) {
	e := NewEngine(nil, nil)

	_, out, err := e.Do(context.Background(), "p:m", fastPolicy(),
		func(ctx context.Context) (string, error) {
			return "", fmt.Errorf("worker: %w", context.DeadlineExceeded)
		})

	require.Error(t, err)
	assert.Equal(t, models.OutcomeTimeout, out.Code)
	assert.Equal(t, 1, out.Attempts)
}

func TestEngine_RateLimitHasSeparateBudget(t *testing.T) {
	e := NewEngine(nil, nil)
	rl := &StatusError{Code: 429, Message: "too many requests"}

	_, out, err := e.Do(context.Background(), "p:m", fastPolicy(),
		func(ctx context.Context) (string, error) { return "", rl })

	require.Error(t, err)
	assert.Equal(t, models.OutcomeRetryableFailure, out.Code)
	assert.Equal(t, ClassRateLimit, out.Class)
	// MaxRateLimitRetries=4 means 5 attempts, one more than MaxRetries allows.
	assert.Equal(t, 5, out.Attempts)
	assert.Equal(t, 5, out.RateLimitHits)
	assert.Equal(t, 429, out.LastStatus)
}

func TestEngine_GateConsultedOncePerCall(t *testing.T) {
	gate := &fakeGate{wait: 5 * time.Millisecond}
	e := NewEngine(gate, nil)

	_, out, err := e.Do(context.Background(), "p:m", fastPolicy(),
		func(ctx context.Context) (string, error) { return "ok", nil })

	require.NoError(t, err)
	assert.Equal(t, 1, gate.calls)
	assert.Equal(t, 5*time.Millisecond, out.GateWaited)
}

func TestEngine_GateWaitCappedByPolicy(t *testing.T) {
	gate := &fakeGate{wait: time.Hour}
	e := NewEngine(gate, nil)

	start := time.Now()
	_, out, err := e.Do(context.Background(), "p:m", fastPolicy(),
		func(ctx context.Context) (string, error) { return "ok", nil })

	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, out.GateWaited)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEngine_ObserverSeesEveryAttempt(t *testing.T) {
	var classes []Classification
	e := NewEngine(nil, func(key string, class Classification, _ time.Duration) {
		assert.Equal(t, "p:m", key)
		classes = append(classes, class)
	})

	calls := 0
	_, _, err := e.Do(context.Background(), "p:m", fastPolicy(),
		func(ctx context.Context) (string, error) {
			calls++
			if calls == 1 {
				return "", &StatusError{Code: 429, Message: "slow down"}
			}
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, []Classification{ClassRateLimit, ""}, classes)
}

func TestEngine_CancelledDuringBackoff(t *testing.T) {
	e := NewEngine(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	policy := fastPolicy()
	policy.InitialDelay = time.Second
	policy.MaxDelay = time.Second

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, out, err := e.Do(ctx, "p:m", policy,
		func(ctx context.Context) (string, error) {
			return "", errors.New("connection refused")
		})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.OutcomeCancelled, out.Code)
	assert.Equal(t, ClassCancelled, out.Class)
}

func TestEngine_EmptyOutputRetries(t *testing.T) {
	e := NewEngine(nil, nil)
	calls := 0

	value, out, err := e.Do(context.Background(), "p:m", fastPolicy(),
		func(ctx context.Context) (string, error) {
			calls++
			if calls == 1 {
				return "", ErrEmptyOutput
			}
			return "recovered", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "recovered", value)
	assert.Equal(t, 2, out.Attempts)
}
