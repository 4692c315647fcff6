package admission

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/delegate/pkg/config"
)

// Controller is the process-wide admission controller. All counter
// mutations flow through its mutex; reads go through Snapshot.
type Controller struct {
	cfg *config.Config

	mu sync.Mutex

	// Projected charges: sum of every held+consumed reservation. The
	// invariant projectedRequests <= MaxTotalActiveRequests (same for LLM)
	// holds at every observable moment.
	projectedRequests int
	projectedLlm      int

	// Active gauges, maintained explicitly by consumers after Consume.
	activeRequests int
	activeLlm      int

	totalAdmitted int64
	totalReleased int64
	totalExpired  int64

	reservations map[string]*Reservation

	// Orchestration queue state (queue.go).
	activeOrch map[string]*OrchestrationLease
	waiters    []*orchWaiter
	waiterSeq  uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewController creates the controller and starts the reservation sweeper.
func NewController(cfg *config.Config) *Controller {
	c := &Controller{
		cfg:          cfg,
		reservations: make(map[string]*Reservation),
		activeOrch:   make(map[string]*OrchestrationLease),
		stopCh:       make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweepLoop()
	return c
}

// Close stops the sweeper. Outstanding reservations are left to their
// owners; in-flight work is abandoned on process exit by design.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Controller) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// TryReserve atomically checks the projected totals against the limits and,
// when admissible, returns a held reservation whose charge is already
// counted. On failure it returns the list of blocking reasons.
func (c *Controller) TryReserve(additionalRequests, additionalLlm int) (*Reservation, []Reason) {
	if additionalRequests < 0 {
		additionalRequests = 0
	}
	if additionalLlm < 0 {
		additionalLlm = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var reasons []Reason
	if c.cfg.Disabled {
		reasons = append(reasons, ReasonRuntimeDisabled)
	}
	if c.projectedRequests+additionalRequests > c.cfg.MaxTotalActiveRequests {
		reasons = append(reasons, ReasonMaxTotalRequests)
	}
	if c.projectedLlm+additionalLlm > c.cfg.MaxTotalActiveLlm {
		reasons = append(reasons, ReasonMaxTotalActiveLlm)
	}
	if additionalLlm > c.cfg.MaxParallelSubagents {
		reasons = append(reasons, ReasonMaxParallelPerRun)
	}
	if len(reasons) > 0 {
		return nil, reasons
	}

	c.projectedRequests += additionalRequests
	c.projectedLlm += additionalLlm
	c.totalAdmitted++

	r := &Reservation{
		ID:        uuid.NewString(),
		Requests:  additionalRequests,
		Llm:       additionalLlm,
		state:     stateHeld,
		expiresAt: time.Now().Add(c.cfg.ReservationTTL),
		ctrl:      c,
	}
	c.reservations[r.ID] = r

	slog.Debug("Capacity reserved",
		"reservation_id", r.ID,
		"requests", additionalRequests,
		"llm", additionalLlm,
		"projected_requests", c.projectedRequests,
		"projected_llm", c.projectedLlm)
	return r, nil
}

// ReserveWithWait polls TryReserve at the configured interval until success,
// timeout, or cancellation.
func (c *Controller) ReserveWithWait(ctx context.Context, additionalRequests, additionalLlm int, maxWait, pollInterval time.Duration) WaitResult {
	if pollInterval <= 0 {
		pollInterval = c.cfg.CapacityPoll
	}
	if maxWait < 0 {
		maxWait = 0
	}
	start := time.Now()
	deadline := start.Add(maxWait)
	attempts := 0

	for {
		attempts++
		r, reasons := c.TryReserve(additionalRequests, additionalLlm)
		if r != nil {
			return WaitResult{
				Status:      WaitAllowed,
				Attempts:    attempts,
				Waited:      time.Since(start),
				Reservation: r,
			}
		}
		// A disabled runtime never becomes admissible by waiting.
		for _, reason := range reasons {
			if reason == ReasonRuntimeDisabled || reason == ReasonMaxParallelPerRun {
				return WaitResult{Status: WaitBlocked, Reasons: reasons, Attempts: attempts, Waited: time.Since(start)}
			}
		}
		if maxWait == 0 || time.Now().After(deadline) {
			return WaitResult{Status: WaitTimedOut, Reasons: reasons, Attempts: attempts, Waited: time.Since(start)}
		}

		select {
		case <-ctx.Done():
			return WaitResult{Status: WaitAborted, Reasons: reasons, Attempts: attempts, Waited: time.Since(start)}
		case <-time.After(pollInterval):
		}
	}
}

// releaseCharge returns a reservation's projected charge. Called exactly
// once per reservation (Release is idempotent at the reservation level).
func (c *Controller) releaseCharge(r *Reservation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.reservations, r.ID)
	c.projectedRequests -= r.Requests
	c.projectedLlm -= r.Llm
	if c.projectedRequests < 0 {
		c.projectedRequests = 0
	}
	if c.projectedLlm < 0 {
		c.projectedLlm = 0
	}
	c.totalReleased++
}

// AddActive adjusts the active gauges. Consumers call this after Consume for
// each worker they start, and with negative deltas as workers finish.
func (c *Controller) AddActive(requests, llm int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeRequests += requests
	c.activeLlm += llm
	if c.activeRequests < 0 {
		c.activeRequests = 0
	}
	if c.activeLlm < 0 {
		c.activeLlm = 0
	}
}

// GetSnapshot returns an atomic view of all counters and queue contents.
func (c *Controller) GetSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	held, consumed := 0, 0
	for _, r := range c.reservations {
		r.mu.Lock()
		switch r.state {
		case stateHeld:
			held++
		case stateConsumed:
			consumed++
		}
		r.mu.Unlock()
	}

	activeIDs := make([]string, 0, len(c.activeOrch))
	for id := range c.activeOrch {
		activeIDs = append(activeIDs, id)
	}
	sort.Strings(activeIDs)

	queued := make([]string, 0, len(c.waiters))
	for _, w := range c.waiters {
		queued = append(queued, w.tenantKey)
	}

	return Snapshot{
		ActiveRequests:       c.activeRequests,
		ActiveLlm:            c.activeLlm,
		ProjectedRequests:    c.projectedRequests,
		ProjectedLlm:         c.projectedLlm,
		TotalAdmitted:        c.totalAdmitted,
		TotalReleased:        c.totalReleased,
		TotalExpired:         c.totalExpired,
		MaxTotalRequests:     c.cfg.MaxTotalActiveRequests,
		MaxTotalLlm:          c.cfg.MaxTotalActiveLlm,
		MaxParallelPerRun:    c.cfg.MaxParallelSubagents,
		MaxConcurrentOrch:    c.cfg.MaxConcurrentOrch,
		ActiveOrchestrations: activeIDs,
		QueuedTenants:        queued,
		HeldReservations:     held,
		ConsumedReservations: consumed,
	}
}
