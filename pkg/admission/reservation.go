package admission

import (
	"log/slog"
	"sync"
	"time"
)

// reservationState is the lease lifecycle: held → consumed → released, or
// held → released on admission failure.
type reservationState int

const (
	stateHeld reservationState = iota
	stateConsumed
	stateReleased
)

// Reservation is a pending charge against the runtime counters. The
// projected counters include the charge from the moment the reservation is
// handed out; Release returns it exactly once. A reservation that is not
// heartbeaten within the TTL is forcibly released by the sweeper.
type Reservation struct {
	ID       string
	Requests int
	Llm      int

	mu        sync.Mutex
	state     reservationState
	expiresAt time.Time

	ctrl *Controller
}

// Consume transitions the lease from held to consumed: the caller now owns
// the admitted work and maintains its own active-count increments. The
// projected charge stays until Release.
func (r *Reservation) Consume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case stateReleased:
		return ErrAlreadyReleased
	case stateConsumed:
		return ErrNotHeld
	}
	r.state = stateConsumed
	return nil
}

// Release returns the projected charge to the pool. It is idempotent:
// releasing an already-released reservation is a no-op.
func (r *Reservation) Release() {
	r.mu.Lock()
	if r.state == stateReleased {
		r.mu.Unlock()
		return
	}
	r.state = stateReleased
	r.mu.Unlock()

	r.ctrl.releaseCharge(r)
}

// Heartbeat extends the TTL. Called periodically (~5s) while work runs so
// the sweeper does not reclaim a live lease.
func (r *Reservation) Heartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateReleased {
		return
	}
	r.expiresAt = time.Now().Add(r.ctrl.cfg.ReservationTTL)
}

// expired reports whether the lease has outlived its TTL.
func (r *Reservation) expired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != stateReleased && now.After(r.expiresAt)
}

// StartHeartbeat spawns a ticker goroutine refreshing the TTL until stop is
// called. Every run holds exactly one of these for its reservation.
func (r *Reservation) StartHeartbeat(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				r.Heartbeat()
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// sweep forcibly releases expired reservations. Runs on the controller's
// sweep ticker.
func (c *Controller) sweep() {
	now := time.Now()

	c.mu.Lock()
	var expired []*Reservation
	for _, r := range c.reservations {
		if r.expired(now) {
			expired = append(expired, r)
		}
	}
	c.mu.Unlock()

	for _, r := range expired {
		slog.Warn("Reclaiming expired reservation",
			"reservation_id", r.ID,
			"requests", r.Requests,
			"llm", r.Llm)
		c.mu.Lock()
		c.totalExpired++
		c.mu.Unlock()
		r.Release()
	}
}
