package ratelimit

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/codeready-toolchain/delegate/pkg/config"
)

// Controller is the process-wide adaptive rate controller. It is constructed
// once at startup and passed explicitly to consumers; all per-key mutations
// are serialized by its mutex and written back to disk on commit.
type Controller struct {
	cfg  *config.Config
	path string

	mu    sync.Mutex
	state State

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// now is replaceable in tests.
	now func() time.Time
}

// NewController loads (or initializes) adaptive state from the state
// directory and starts the periodic recovery loop.
func NewController(cfg *config.Config) (*Controller, error) {
	c := &Controller{
		cfg:    cfg,
		path:   stateFilePath(cfg.StateDir),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}

	state, err := loadState(c.path)
	if err != nil {
		return nil, err
	}
	c.state = withDefaults(state, cfg)

	c.wg.Add(1)
	go c.recoveryLoop()
	return c, nil
}

// withDefaults fills zero-valued tuning fields from the config so a fresh
// (or pre-tuning) state file behaves like a configured one.
func withDefaults(s State, cfg *config.Config) State {
	if s.Limits == nil {
		s.Limits = make(map[string]*LearnedLimit)
	}
	if s.GlobalMultiplier == 0 {
		s.GlobalMultiplier = 1.0
	}
	if s.RecoveryIntervalMs == 0 {
		s.RecoveryIntervalMs = cfg.RecoveryInterval.Milliseconds()
	}
	if s.ReductionFactor == 0 {
		s.ReductionFactor = cfg.ReductionFactor
	}
	if s.RecoveryFactor == 0 {
		s.RecoveryFactor = cfg.RecoveryFactor
	}
	if s.PredictiveThreshold == 0 {
		s.PredictiveThreshold = cfg.PredictiveThreshold
		s.PredictiveEnabled = cfg.PredictiveEnabled
	}
	s.GlobalMultiplier = clamp(s.GlobalMultiplier, 0.1, 2.0)
	s.ReductionFactor = clamp(s.ReductionFactor, 0.3, 0.9)
	s.RecoveryFactor = clamp(s.RecoveryFactor, 1.0, 1.5)
	s.PredictiveThreshold = clamp(s.PredictiveThreshold, 0, 1)
	if s.RecoveryIntervalMs < 60_000 {
		s.RecoveryIntervalMs = 60_000
	}
	return s
}

// Close stops the recovery loop and flushes state.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitLocked()
}

// limitFor returns the mutable limit for key, creating the baseline entry on
// first sight. Caller must hold c.mu.
func (c *Controller) limitFor(key string) *LearnedLimit {
	if l, ok := c.state.Limits[key]; ok {
		return l
	}
	l := &LearnedLimit{
		Concurrency:         DefaultConcurrency,
		OriginalConcurrency: DefaultConcurrency,
	}
	l.clampConcurrency()
	c.state.Limits[key] = l
	return l
}

// Record applies one observed outcome for the endpoint key and persists the
// resulting state.
func (c *Controller) Record(key string, outcome Outcome) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.limitFor(key)
	l.LastEventAt = now

	switch outcome {
	case OutcomeSuccess:
		l.LastSuccessAt = now
		l.Consecutive429 = 0
		if l.Concurrency < l.OriginalConcurrency {
			l.RecoveryScheduled = true
		}

	case OutcomeRateLimit:
		l.History = append(l.History, now)
		if len(l.History) > historyLimit {
			l.History = l.History[len(l.History)-historyLimit:]
		}
		l.Concurrency = int(math.Floor(float64(l.Concurrency) * c.state.ReductionFactor))
		if l.Consecutive429 >= 3 {
			l.Concurrency = l.Concurrency / 2
		}
		if l.Consecutive429 >= 5 {
			l.Concurrency = 1
		}
		l.clampConcurrency()
		l.Last429At = now
		l.Consecutive429++
		l.Total429++
		l.RecoveryScheduled = false
		slog.Warn("Rate limit observed, reducing endpoint concurrency",
			"endpoint", key,
			"concurrency", l.Concurrency,
			"consecutive_429", l.Consecutive429,
			"total_429", l.Total429)

	case OutcomeTimeout:
		// Timeouts only count as pressure while the endpoint is already in a
		// 429 streak; otherwise they are likely task-specific.
		if l.Consecutive429 > 0 {
			l.Concurrency = int(math.Floor(float64(l.Concurrency) * 0.9))
			l.clampConcurrency()
		}

	case OutcomeError:
		// No concurrency change for generic errors.
	}

	c.commitLocked()
}

// EffectiveLimit returns the scheduler-facing concurrency for key:
// the learned limit scaled by the global multiplier, further reduced by the
// predictive recommendation when throttling is advised. Always >= 1.
func (c *Controller) EffectiveLimit(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.limitFor(key)
	limit := int(math.Floor(float64(l.Concurrency) * c.state.GlobalMultiplier))
	if limit > MaxConcurrency {
		limit = MaxConcurrency
	}
	if limit < 1 {
		limit = 1
	}

	if c.state.PredictiveEnabled {
		p := c.predictLocked(key, l)
		if p.ThrottleRecommended && p.RecommendedConcurrency < limit {
			limit = p.RecommendedConcurrency
		}
	}
	return limit
}

// Limit returns a copy of the learned limit for key (zero-valued baseline
// entry if never seen).
func (c *Controller) Limit(key string) LearnedLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.limitFor(key).clone()
}

// Snapshot returns a deep copy of the full state for status reporting.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.state
	out.Limits = make(map[string]*LearnedLimit, len(c.state.Limits))
	for k, l := range c.state.Limits {
		out.Limits[k] = l.clone()
	}
	return out
}

// ConfigureRecovery updates the tuning scalars, clamped to their documented
// ranges. Re-applying the same inputs is a no-op.
func (c *Controller) ConfigureRecovery(intervalMs int64, reduction, recovery float64, predictive bool, threshold float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if intervalMs < 60_000 {
		intervalMs = 60_000
	}
	c.state.RecoveryIntervalMs = intervalMs
	c.state.ReductionFactor = clamp(reduction, 0.3, 0.9)
	c.state.RecoveryFactor = clamp(recovery, 1.0, 1.5)
	c.state.PredictiveEnabled = predictive
	c.state.PredictiveThreshold = clamp(threshold, 0, 1)
	c.commitLocked()
}

// recoveryLoop periodically raises reduced limits back toward baseline.
func (c *Controller) recoveryLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runRecovery()
		}
	}
}

// runRecovery applies one recovery step to every scheduled key that has been
// quiet (no recent 429) and warm (a recent success).
func (c *Controller) runRecovery() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	interval := time.Duration(c.state.RecoveryIntervalMs) * time.Millisecond
	changed := false
	for key, l := range c.state.Limits {
		if !l.RecoveryScheduled {
			continue
		}
		if now.Sub(l.Last429At) < interval || now.Sub(l.LastSuccessAt) > interval {
			continue
		}
		l.Concurrency = int(math.Ceil(float64(l.Concurrency) * c.state.RecoveryFactor))
		l.clampConcurrency()
		if l.Concurrency >= l.OriginalConcurrency {
			l.Concurrency = l.OriginalConcurrency
			l.RecoveryScheduled = false
			l.Consecutive429 = 0
		}
		l.LastEventAt = now
		changed = true
		slog.Info("Recovered endpoint concurrency",
			"endpoint", key,
			"concurrency", l.Concurrency,
			"baseline", l.OriginalConcurrency)
	}
	if changed {
		c.commitLocked()
	}
}

// GateWait returns how long the retry engine should hold off before hitting
// the endpoint: the exponential backoff implied by the current 429 streak,
// minus the time already elapsed since the last 429. Zero when not gated.
func (c *Controller) GateWait(key string) time.Duration {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.limitFor(key)
	if l.Consecutive429 == 0 || l.Last429At.IsZero() {
		return 0
	}
	backoff := time.Second * time.Duration(1<<min(l.Consecutive429, 6))
	if backoff > time.Minute {
		backoff = time.Minute
	}
	remaining := backoff - now.Sub(l.Last429At)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
