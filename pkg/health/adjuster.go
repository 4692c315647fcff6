// Package health tracks per-endpoint execution health for the worker pool
// and orchestrators. It complements the adaptive rate controller: the
// controller learns hard concurrency limits from 429s, while the adjuster
// tracks a rolling error window and response times to scale parallelism up
// and down smoothly, including across cooperating instances.
package health

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Adjustment reduction factors per signal.
const (
	reduce429     = 0.3
	reduceTimeout = 0.1
	reduceError   = 0.05
	recoverStep   = 1.1

	errorWindow     = 5 * time.Minute
	maxErrorEntries = 100
	maxRTSamples    = 50
)

// Signal is an observed execution event fed to the adjuster.
type Signal string

// Signals.
const (
	Signal429     Signal = "429"
	SignalTimeout Signal = "timeout"
	SignalError   Signal = "error"
	SignalSuccess Signal = "success"
)

type errorEntry struct {
	at     time.Time
	signal Signal
}

// endpointState is the per-key tracked state.
type endpointState struct {
	base    int
	current int
	minPar  int
	maxPar  int

	errors    []errorEntry
	rtSamples []time.Duration

	last429      time.Time
	lastAdjusted time.Time

	crossInstanceMultiplier float64
}

// Status is a read-only snapshot of one endpoint's health.
type Status struct {
	Endpoint             string        `json:"endpoint"`
	BaseParallelism      int           `json:"base_parallelism"`
	CurrentParallelism   int           `json:"current_parallelism"`
	EffectiveParallelism int           `json:"effective_parallelism"`
	RecentErrors         int           `json:"recent_errors"`
	Recent429s           int           `json:"recent_429s"`
	AvgResponseTime      time.Duration `json:"avg_response_time_ns"`
	Healthy              bool          `json:"healthy"`
	RecommendedBackoff   time.Duration `json:"recommended_backoff_ns"`
}

// Adjuster holds per-endpoint health state and a background recovery loop.
type Adjuster struct {
	mu        sync.Mutex
	endpoints map[string]*endpointState

	baseParallelism  int
	minParallelism   int
	recoveryInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// NewAdjuster creates an adjuster with the given per-endpoint baseline and
// starts its recovery loop.
func NewAdjuster(baseParallelism int, recoveryInterval time.Duration) *Adjuster {
	if baseParallelism < 1 {
		baseParallelism = 1
	}
	if recoveryInterval <= 0 {
		recoveryInterval = time.Minute
	}
	a := &Adjuster{
		endpoints:        make(map[string]*endpointState),
		baseParallelism:  baseParallelism,
		minParallelism:   1,
		recoveryInterval: recoveryInterval,
		stopCh:           make(chan struct{}),
		now:              time.Now,
	}
	a.wg.Add(1)
	go a.recoveryLoop()
	return a
}

// Close stops the recovery loop.
func (a *Adjuster) Close() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

// stateFor returns (creating if needed) the endpoint state. Caller holds a.mu.
func (a *Adjuster) stateFor(key string) *endpointState {
	if s, ok := a.endpoints[key]; ok {
		return s
	}
	s := &endpointState{
		base:                    a.baseParallelism,
		current:                 a.baseParallelism,
		minPar:                  a.minParallelism,
		maxPar:                  a.baseParallelism,
		crossInstanceMultiplier: 1.0,
	}
	a.endpoints[key] = s
	return s
}

// Record feeds one observed signal (and the attempt's duration, for
// response-time tracking; zero is ignored) into the endpoint's state.
func (a *Adjuster) Record(key string, signal Signal, duration time.Duration) {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stateFor(key)
	if duration > 0 {
		s.rtSamples = append(s.rtSamples, duration)
		if len(s.rtSamples) > maxRTSamples {
			s.rtSamples = s.rtSamples[len(s.rtSamples)-maxRTSamples:]
		}
	}
	if signal == SignalSuccess {
		return
	}

	s.errors = append(s.errors, errorEntry{at: now, signal: signal})
	s.pruneErrors(now)
	if len(s.errors) > maxErrorEntries {
		s.errors = s.errors[len(s.errors)-maxErrorEntries:]
	}

	var factor float64
	switch signal {
	case Signal429:
		factor = reduce429
		s.last429 = now
	case SignalTimeout:
		factor = reduceTimeout
	default:
		factor = reduceError
	}

	reduced := int(math.Floor(float64(s.current) * (1 - factor)))
	if reduced < s.minPar {
		reduced = s.minPar
	}
	if reduced != s.current {
		slog.Debug("Reduced endpoint parallelism",
			"endpoint", key, "signal", signal,
			"from", s.current, "to", reduced)
		s.current = reduced
		s.lastAdjusted = now
	}
}

func (s *endpointState) pruneErrors(now time.Time) {
	cutoff := now.Add(-errorWindow)
	keep := s.errors[:0]
	for _, e := range s.errors {
		if e.at.After(cutoff) {
			keep = append(keep, e)
		}
	}
	s.errors = keep
}

// Parallelism returns the effective parallelism for the endpoint: the
// current value scaled by the cross-instance multiplier, never below 1.
func (a *Adjuster) Parallelism(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stateFor(key)
	eff := int(math.Floor(float64(s.current) * s.crossInstanceMultiplier))
	if eff < 1 {
		eff = 1
	}
	return eff
}

// ApplyCrossInstanceLimits divides every endpoint's effective parallelism
// among instanceCount cooperating instances.
func (a *Adjuster) ApplyCrossInstanceLimits(instanceCount int) {
	if instanceCount < 1 {
		instanceCount = 1
	}
	multiplier := 1.0 / float64(instanceCount)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.endpoints {
		s.crossInstanceMultiplier = multiplier
	}
}

// Healthy reports whether the endpoint has no recent errors and retains at
// least 80% of its baseline parallelism.
func (a *Adjuster) Healthy(key string) bool {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stateFor(key)
	s.pruneErrors(now)
	return len(s.errors) == 0 && float64(s.current) >= 0.8*float64(s.base)
}

// RecommendedBackoff returns how long a caller should wait before the next
// attempt against the endpoint: exponential in the recent 429 count, capped
// at one minute, minus the time already elapsed since the last 429.
func (a *Adjuster) RecommendedBackoff(key string) time.Duration {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stateFor(key)
	s.pruneErrors(now)
	return s.recommendedBackoff(now)
}

// recommendedBackoff computes the remaining wait from pruned error state.
// Caller holds the adjuster lock.
func (s *endpointState) recommendedBackoff(now time.Time) time.Duration {
	recent429 := 0
	for _, e := range s.errors {
		if e.signal == Signal429 {
			recent429++
		}
	}
	if recent429 == 0 || s.last429.IsZero() {
		return 0
	}
	backoff := time.Second * time.Duration(1<<min(recent429, 6))
	if backoff > time.Minute {
		backoff = time.Minute
	}
	remaining := backoff - now.Sub(s.last429)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Statuses returns a snapshot of every tracked endpoint.
func (a *Adjuster) Statuses() []Status {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Status, 0, len(a.endpoints))
	for key, s := range a.endpoints {
		s.pruneErrors(now)
		recent429 := 0
		for _, e := range s.errors {
			if e.signal == Signal429 {
				recent429++
			}
		}
		var avgRT time.Duration
		if len(s.rtSamples) > 0 {
			var sum time.Duration
			for _, rt := range s.rtSamples {
				sum += rt
			}
			avgRT = sum / time.Duration(len(s.rtSamples))
		}
		eff := int(math.Floor(float64(s.current) * s.crossInstanceMultiplier))
		if eff < 1 {
			eff = 1
		}
		out = append(out, Status{
			Endpoint:             key,
			BaseParallelism:      s.base,
			CurrentParallelism:   s.current,
			EffectiveParallelism: eff,
			RecentErrors:         len(s.errors),
			Recent429s:           recent429,
			AvgResponseTime:      avgRT,
			Healthy:              len(s.errors) == 0 && float64(s.current) >= 0.8*float64(s.base),
			RecommendedBackoff:   s.recommendedBackoff(now),
		})
	}
	return out
}

// recoveryLoop raises parallelism back toward baseline for quiet endpoints.
func (a *Adjuster) recoveryLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.runRecovery()
		}
	}
}

func (a *Adjuster) runRecovery() {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	for key, s := range a.endpoints {
		if s.current >= s.base {
			continue
		}
		s.pruneErrors(now)
		if len(s.errors) > 0 {
			continue
		}
		if now.Sub(s.lastAdjusted) < a.recoveryInterval {
			continue
		}
		raised := int(math.Ceil(float64(s.current) * recoverStep))
		if raised > s.base {
			raised = s.base
		}
		if raised != s.current {
			slog.Info("Recovered endpoint parallelism",
				"endpoint", key, "from", s.current, "to", raised)
			s.current = raised
			s.lastAdjusted = now
		}
	}
}
