package orchestrator

import (
	"log/slog"
	"sync"
	"time"
)

// Penalty defaults.
const (
	defaultMaxPenalty   = 3
	defaultPenaltyDecay = time.Minute
)

// Penalty is the adaptive parallelism penalty: an integer level in
// [0, max] that divides parallelism baselines by level+1. Pressure
// failures raise it, clean runs lower it, and it decays one step per
// decay interval on its own.
type Penalty struct {
	mu        sync.Mutex
	level     int
	max       int
	decay     time.Duration
	lastMoved time.Time

	now func() time.Time
}

// NewPenalty creates a penalty at level 0.
func NewPenalty(max int, decay time.Duration) *Penalty {
	if max < 1 {
		max = defaultMaxPenalty
	}
	if decay <= 0 {
		decay = defaultPenaltyDecay
	}
	return &Penalty{max: max, decay: decay, now: time.Now}
}

// Raise bumps the level by one (capped) in response to a pressure failure.
func (p *Penalty) Raise(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decayLocked()
	if p.level < p.max {
		p.level++
		p.lastMoved = p.now()
		slog.Info("Raised adaptive parallelism penalty",
			"level", p.level, "reason", reason)
	}
}

// Lower drops the level by one after a clean run.
func (p *Penalty) Lower() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decayLocked()
	if p.level > 0 {
		p.level--
		p.lastMoved = p.now()
	}
}

// Apply divides baseline by level+1, never below 1.
func (p *Penalty) Apply(baseline int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decayLocked()
	out := baseline / (p.level + 1)
	if out < 1 {
		out = 1
	}
	return out
}

// Level returns the current level after decay.
func (p *Penalty) Level() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decayLocked()
	return p.level
}

// decayLocked applies one step of decay per elapsed interval.
func (p *Penalty) decayLocked() {
	if p.level == 0 {
		return
	}
	now := p.now()
	for p.level > 0 && now.Sub(p.lastMoved) >= p.decay {
		p.level--
		p.lastMoved = p.lastMoved.Add(p.decay)
	}
}
