package admission

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OrchestrationLease is a granted turn on the orchestration queue. One lease
// exists per admitted top-level run; it must be released on every exit path.
type OrchestrationLease struct {
	ID        string
	TenantKey string
	Source    string
	GrantedAt time.Time

	EstDuration time.Duration
	EstRounds   int

	ctrl     *Controller
	released sync.Once
}

// Release frees the orchestration slot and grants it to the next waiter.
// Idempotent.
func (l *OrchestrationLease) Release() {
	l.released.Do(func() {
		l.ctrl.releaseOrchestration(l)
	})
}

// orchWaiter is one queued acquisition. Waiters are served FIFO within a
// priority tier (higher sourcePriority first, then arrival order).
type orchWaiter struct {
	tenantKey string
	source    string
	priority  int
	seq       uint64
	ready     chan *OrchestrationLease
}

// sourcePriority ranks orchestration sources. Interactive requests jump the
// queue ahead of background work; unknown sources rank as normal.
func sourcePriority(source string) int {
	switch source {
	case "interactive", "user":
		return 2
	case "background", "scheduled":
		return 0
	default:
		return 1
	}
}

// AcquireOrchestrationTurn blocks until an orchestration slot is free (or
// grants immediately when under the limit). With wait=false a full house
// returns ErrQueueFull-tagged reasons instead of queuing.
func (c *Controller) AcquireOrchestrationTurn(ctx context.Context, tenantKey, source string, estDuration time.Duration, estRounds int, wait bool) (*OrchestrationLease, QueueMetrics, error) {
	start := time.Now()

	c.mu.Lock()
	if c.cfg.Disabled {
		c.mu.Unlock()
		return nil, QueueMetrics{}, ErrRuntimeDisabled
	}
	if len(c.activeOrch) < c.cfg.MaxConcurrentOrch && len(c.waiters) == 0 {
		lease := c.grantLocked(tenantKey, source, estDuration, estRounds)
		metrics := QueueMetrics{ActiveAtGrant: len(c.activeOrch)}
		c.mu.Unlock()
		return lease, metrics, nil
	}

	if !wait {
		c.mu.Unlock()
		return nil, QueueMetrics{}, ErrQueueFull
	}
	if len(c.waiters) >= c.cfg.OrchestrationQueueLimit {
		c.mu.Unlock()
		return nil, QueueMetrics{}, ErrQueueFull
	}

	w := &orchWaiter{
		tenantKey: tenantKey,
		source:    source,
		priority:  sourcePriority(source),
		seq:       c.waiterSeq,
		ready:     make(chan *OrchestrationLease, 1),
	}
	c.waiterSeq++
	queuedAhead := len(c.waiters)
	c.waiters = append(c.waiters, w)
	sort.SliceStable(c.waiters, func(i, j int) bool {
		if c.waiters[i].priority != c.waiters[j].priority {
			return c.waiters[i].priority > c.waiters[j].priority
		}
		return c.waiters[i].seq < c.waiters[j].seq
	})
	c.mu.Unlock()

	select {
	case lease := <-w.ready:
		return lease, QueueMetrics{
			QueueWait:     time.Since(start),
			QueuedAhead:   queuedAhead,
			ActiveAtGrant: c.cfg.MaxConcurrentOrch,
		}, nil
	case <-ctx.Done():
		c.removeWaiter(w)
		// The grant may have raced the cancellation; return it if so.
		select {
		case lease := <-w.ready:
			lease.Release()
		default:
		}
		return nil, QueueMetrics{QueueWait: time.Since(start), QueuedAhead: queuedAhead}, ctx.Err()
	}
}

// grantLocked creates and registers a lease. Caller holds c.mu.
func (c *Controller) grantLocked(tenantKey, source string, estDuration time.Duration, estRounds int) *OrchestrationLease {
	lease := &OrchestrationLease{
		ID:          uuid.NewString(),
		TenantKey:   tenantKey,
		Source:      source,
		GrantedAt:   time.Now(),
		EstDuration: estDuration,
		EstRounds:   estRounds,
		ctrl:        c,
	}
	c.activeOrch[lease.ID] = lease
	return lease
}

func (c *Controller) releaseOrchestration(l *OrchestrationLease) {
	c.mu.Lock()
	delete(c.activeOrch, l.ID)

	var next *orchWaiter
	if len(c.activeOrch) < c.cfg.MaxConcurrentOrch && len(c.waiters) > 0 {
		next = c.waiters[0]
		c.waiters = c.waiters[1:]
	}
	var granted *OrchestrationLease
	if next != nil {
		granted = c.grantLocked(next.tenantKey, next.source, 0, 0)
	}
	c.mu.Unlock()

	if next != nil {
		next.ready <- granted
		slog.Debug("Granted queued orchestration turn",
			"tenant", next.tenantKey, "source", next.source)
	}
}

func (c *Controller) removeWaiter(w *orchWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.waiters {
		if cur == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// DispatchPermit bundles an orchestration lease with a capacity reservation.
type DispatchPermit struct {
	Lease       *OrchestrationLease
	Reservation *Reservation
	Queue       QueueMetrics
	Admission   WaitResult
}

// Release frees both halves of the permit. Idempotent through its parts.
func (p *DispatchPermit) Release() {
	if p.Reservation != nil {
		p.Reservation.Release()
	}
	if p.Lease != nil {
		p.Lease.Release()
	}
}

// AcquireDispatchPermit is the composite admission path used by the run
// orchestrators: obtain an orchestration turn, then reserve capacity. The
// lease is released on any reservation failure so a blocked run never holds
// an orchestration slot.
func (c *Controller) AcquireDispatchPermit(ctx context.Context, tenantKey, source string, additionalRequests, additionalLlm int, maxWait time.Duration) (*DispatchPermit, error) {
	lease, queueMetrics, err := c.AcquireOrchestrationTurn(ctx, tenantKey, source, 0, 0, true)
	if err != nil {
		reasons := []Reason{ReasonOrchQueueFull}
		if errors.Is(err, ErrRuntimeDisabled) {
			reasons = []Reason{ReasonRuntimeDisabled}
		}
		return &DispatchPermit{Queue: queueMetrics, Admission: WaitResult{Status: WaitBlocked, Reasons: reasons}}, err
	}

	result := c.ReserveWithWait(ctx, additionalRequests, additionalLlm, maxWait, c.cfg.CapacityPoll)
	if result.Status != WaitAllowed {
		lease.Release()
		return &DispatchPermit{Queue: queueMetrics, Admission: result}, nil
	}

	return &DispatchPermit{
		Lease:       lease,
		Reservation: result.Reservation,
		Queue:       queueMetrics,
		Admission:   result,
	}, nil
}
