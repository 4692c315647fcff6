// Package ratelimit learns per-endpoint safe concurrency from observed
// outcomes. Each (provider, model) key tracks a LearnedLimit that shrinks on
// 429s, recovers over time toward its baseline, and feeds a predictive model
// that estimates the probability of hitting another rate limit soon. State
// is persisted to adaptive-limits.json and merged across processes under an
// advisory file lock.
package ratelimit

import (
	"time"
)

// Hard bounds on learned concurrency.
const (
	// MaxConcurrency is the absolute ceiling for any endpoint.
	MaxConcurrency = 16
	// DefaultConcurrency is the baseline for a key seen for the first time.
	DefaultConcurrency = 8
	// historyLimit bounds the per-key 429 timestamp history (FIFO eviction).
	historyLimit = 50
)

// Outcome classifies one observed subagent attempt for learning purposes.
type Outcome string

// Observable outcomes.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRateLimit Outcome = "429"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeError     Outcome = "error"
)

// LearnedLimit is the persisted per-endpoint state.
//
// Invariants: 1 <= Concurrency <= OriginalConcurrency <= MaxConcurrency;
// Consecutive429 resets to 0 on any success; History is sorted ascending
// and holds at most historyLimit entries.
type LearnedLimit struct {
	Concurrency         int         `json:"concurrency"`
	OriginalConcurrency int         `json:"original_concurrency"`
	Last429At           time.Time   `json:"last_429_at,omitzero"`
	LastSuccessAt       time.Time   `json:"last_success_at,omitzero"`
	LastEventAt         time.Time   `json:"last_event_at,omitzero"`
	Consecutive429      int         `json:"consecutive_429_count"`
	Total429            int         `json:"total_429_count"`
	RecoveryScheduled   bool        `json:"recovery_scheduled"`
	History             []time.Time `json:"history_429,omitempty"`
}

func (l *LearnedLimit) clone() *LearnedLimit {
	c := *l
	if len(l.History) > 0 {
		c.History = make([]time.Time, len(l.History))
		copy(c.History, l.History)
	}
	return &c
}

// clampConcurrency enforces the [1, OriginalConcurrency] invariant.
func (l *LearnedLimit) clampConcurrency() {
	if l.OriginalConcurrency > MaxConcurrency {
		l.OriginalConcurrency = MaxConcurrency
	}
	if l.OriginalConcurrency < 1 {
		l.OriginalConcurrency = 1
	}
	if l.Concurrency > l.OriginalConcurrency {
		l.Concurrency = l.OriginalConcurrency
	}
	if l.Concurrency < 1 {
		l.Concurrency = 1
	}
}

// State is the persisted adaptive controller state (adaptive-limits.json).
type State struct {
	Version             int                      `json:"version"`
	UpdatedAt           time.Time                `json:"updated_at,omitzero"`
	Limits              map[string]*LearnedLimit `json:"limits"`
	GlobalMultiplier    float64                  `json:"global_multiplier"`
	RecoveryIntervalMs  int64                    `json:"recovery_interval_ms"`
	ReductionFactor     float64                  `json:"reduction_factor"`
	RecoveryFactor      float64                  `json:"recovery_factor"`
	PredictiveEnabled   bool                     `json:"predictive_enabled"`
	PredictiveThreshold float64                  `json:"predictive_threshold"`
}

// Prediction is the derived predictive-throttling view for one key.
type Prediction struct {
	Probability            float64   `json:"predicted_429_probability"`
	Confidence             float64   `json:"confidence"`
	ThrottleRecommended    bool      `json:"throttle_recommended"`
	RecommendedConcurrency int       `json:"recommended_concurrency"`
	NextRiskWindowStart    time.Time `json:"next_risk_window_start,omitzero"`
	NextRiskWindowEnd      time.Time `json:"next_risk_window_end,omitzero"`
}
