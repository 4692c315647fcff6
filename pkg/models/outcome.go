// Package models defines the data model shared across the runtime:
// subagent definitions, run records, task plans, and outcome codes.
package models

// OutcomeCode is the end-to-end result classification propagated from the
// retry engine through the orchestrators to the tool surface.
type OutcomeCode string

// Outcome codes.
const (
	OutcomeSuccess             OutcomeCode = "SUCCESS"
	OutcomePartialSuccess      OutcomeCode = "PARTIAL_SUCCESS"
	OutcomeRetryableFailure    OutcomeCode = "RETRYABLE_FAILURE"
	OutcomeNonRetryableFailure OutcomeCode = "NONRETRYABLE_FAILURE"
	OutcomeTimeout             OutcomeCode = "TIMEOUT"
	OutcomeCancelled           OutcomeCode = "CANCELLED"
)

// Retryable reports whether a caller is expected to get a different result
// by retrying the same request later.
func (c OutcomeCode) Retryable() bool {
	switch c {
	case OutcomeRetryableFailure, OutcomeTimeout:
		return true
	default:
		return false
	}
}

// AggregateOutcome folds per-task outcomes into a single code:
// all succeeded → SUCCESS, none succeeded → RETRYABLE_FAILURE or
// NONRETRYABLE_FAILURE depending on whether any failure was retryable,
// mixed → PARTIAL_SUCCESS. The second return is the retry recommendation:
// true iff at least one failed task is worth retrying.
func AggregateOutcome(perTask []OutcomeCode) (OutcomeCode, bool) {
	if len(perTask) == 0 {
		return OutcomeSuccess, false
	}
	succeeded := 0
	anyRetryable := false
	for _, c := range perTask {
		if c == OutcomeSuccess {
			succeeded++
			continue
		}
		if c.Retryable() || c == OutcomeCancelled {
			anyRetryable = true
		}
	}
	switch {
	case succeeded == len(perTask):
		return OutcomeSuccess, false
	case succeeded == 0:
		if anyRetryable {
			return OutcomeRetryableFailure, true
		}
		return OutcomeNonRetryableFailure, false
	default:
		return OutcomePartialSuccess, anyRetryable
	}
}
