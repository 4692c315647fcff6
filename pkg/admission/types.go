// Package admission enforces the system-wide upper bounds on concurrent
// requests and concurrent LLM invocations. It hands out TTL-bound capacity
// reservations, serializes orchestration starts through a FIFO queue with
// per-source priority, and reclaims leases whose owners stop heartbeating.
package admission

import (
	"errors"
	"time"
)

// Reason identifies which limit blocked an admission attempt.
type Reason string

// Admission failure reasons.
const (
	ReasonMaxTotalRequests  Reason = "max_total_requests"
	ReasonMaxTotalActiveLlm Reason = "max_total_active_llm"
	ReasonMaxParallelPerRun Reason = "max_parallel_subagents_per_run"
	ReasonOrchQueueFull     Reason = "orchestration_queue_full"
	ReasonRuntimeDisabled   Reason = "runtime_disabled"
)

// Sentinel errors.
var (
	ErrQueueFull       = errors.New("orchestration queue is full")
	ErrAlreadyReleased = errors.New("reservation already released")
	ErrNotHeld         = errors.New("reservation is not held")
	ErrRuntimeDisabled = errors.New("runtime is disabled")
)

// WaitStatus tags the outcome of a blocking admission attempt.
type WaitStatus string

// Wait outcomes.
const (
	WaitAllowed  WaitStatus = "allowed"
	WaitAborted  WaitStatus = "aborted"
	WaitTimedOut WaitStatus = "timedOut"
	WaitBlocked  WaitStatus = "blocked"
)

// WaitResult is the outcome of ReserveWithWait.
type WaitResult struct {
	Status      WaitStatus
	Reasons     []Reason
	Attempts    int
	Waited      time.Duration
	Reservation *Reservation
}

// QueueMetrics reports how an orchestration turn was obtained.
type QueueMetrics struct {
	QueueWait     time.Duration `json:"queue_wait_ns"`
	QueuedAhead   int           `json:"queued_ahead"`
	ActiveAtGrant int           `json:"active_at_grant"`
}

// Snapshot is an atomic view of runtime counters for status reporting.
// Single-writer semantics are enforced by the controller's lock; readers
// always get a consistent copy.
type Snapshot struct {
	ActiveRequests        int      `json:"active_requests"`
	ActiveLlm             int      `json:"active_llm"`
	ProjectedRequests     int      `json:"projected_requests"`
	ProjectedLlm          int      `json:"projected_llm"`
	TotalAdmitted         int64    `json:"total_admitted"`
	TotalReleased         int64    `json:"total_released"`
	TotalExpired          int64    `json:"total_expired"`
	MaxTotalRequests      int      `json:"max_total_requests"`
	MaxTotalLlm           int      `json:"max_total_llm"`
	MaxParallelPerRun     int      `json:"max_parallel_subagents_per_run"`
	MaxConcurrentOrch     int      `json:"max_concurrent_orchestrations"`
	ActiveOrchestrations  []string `json:"active_orchestrations"`
	QueuedTenants         []string `json:"queued_tenants"`
	HeldReservations      int      `json:"held_reservations"`
	ConsumedReservations  int      `json:"consumed_reservations"`
}
