package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Classification buckets an error for retry decisions.
type Classification string

// Error classes.
const (
	ClassCancelled   Classification = "cancelled"
	ClassTimeout     Classification = "timeout"
	ClassRateLimit   Classification = "rate_limit"
	ClassEmptyOutput Classification = "empty_output"
	ClassTransient   Classification = "transient"
	ClassPermanent   Classification = "permanent"
)

// ErrEmptyOutput marks a subagent attempt that exited cleanly but produced
// no usable output. Retryable; the orchestrator additionally allows one
// dedicated recovery run with a stricter prompt.
var ErrEmptyOutput = errors.New("subagent produced empty output")

// StatusError carries an HTTP-style status code surfaced by the transport.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// Status extracts an HTTP-style status code from err, or 0.
func Status(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// rateLimitPatterns match provider messages that mean 429 without carrying
// a status code.
var rateLimitPatterns = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"quota exceeded",
	"overloaded",
}

// transientPatterns match network-level failures worth retrying.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"unexpected eof",
	"temporarily unavailable",
	"service unavailable",
}

// Classify buckets err. Order matters: cancellation and timeout are checked
// before message matching so a cancelled rate-limited call is CANCELLED.
func Classify(err error) Classification {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, ErrEmptyOutput) {
		return ClassEmptyOutput
	}

	status := Status(err)
	msg := strings.ToLower(err.Error())

	if status == 429 {
		return ClassRateLimit
	}
	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return ClassRateLimit
		}
	}
	if status >= 500 && status < 600 {
		return ClassTransient
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}
	if strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout") {
		return ClassTimeout
	}
	return ClassPermanent
}
