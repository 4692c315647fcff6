package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/delegate/pkg/config"
)

func newTestController(t *testing.T, mutate func(*config.Config)) *Controller {
	t.Helper()
	cfg := config.Default()
	cfg.CapacityPoll = 5 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	c := NewController(cfg)
	t.Cleanup(c.Close)
	return c
}

func TestTryReserve_ChargesProjectedCounters(t *testing.T) {
	c := newTestController(t, nil)

	r, reasons := c.TryReserve(1, 2)
	require.Nil(t, reasons)
	require.NotNil(t, r)

	snap := c.GetSnapshot()
	assert.Equal(t, 1, snap.ProjectedRequests)
	assert.Equal(t, 2, snap.ProjectedLlm)
	assert.Equal(t, 1, snap.HeldReservations)
}

func TestTryReserve_BlocksAtLimits(t *testing.T) {
	c := newTestController(t, func(cfg *config.Config) {
		cfg.MaxTotalActiveLlm = 2
		cfg.MaxParallelSubagents = 2
	})

	r1, reasons := c.TryReserve(1, 2)
	require.Nil(t, reasons)

	_, reasons = c.TryReserve(1, 1)
	assert.Contains(t, reasons, ReasonMaxTotalActiveLlm)

	_, reasons = c.TryReserve(1, 3)
	assert.Contains(t, reasons, ReasonMaxParallelPerRun)

	r1.Release()
	r2, reasons := c.TryReserve(1, 2)
	assert.Nil(t, reasons)
	r2.Release()
}

func TestTryReserve_RuntimeDisabled(t *testing.T) {
	c := newTestController(t, func(cfg *config.Config) { cfg.Disabled = true })

	_, reasons := c.TryReserve(1, 1)
	assert.Contains(t, reasons, ReasonRuntimeDisabled)
}

func TestReservation_ReleaseIsIdempotent(t *testing.T) {
	c := newTestController(t, nil)

	r, _ := c.TryReserve(2, 3)
	require.NotNil(t, r)

	r.Release()
	after := c.GetSnapshot()
	r.Release()
	again := c.GetSnapshot()

	assert.Equal(t, 0, after.ProjectedRequests)
	assert.Equal(t, 0, after.ProjectedLlm)
	assert.Equal(t, after.ProjectedRequests, again.ProjectedRequests)
	assert.Equal(t, after.ProjectedLlm, again.ProjectedLlm)
	assert.Equal(t, after.TotalReleased, again.TotalReleased)
}

func TestReservation_ConsumeOnlyFromHeld(t *testing.T) {
	c := newTestController(t, nil)

	r, _ := c.TryReserve(1, 1)
	require.NoError(t, r.Consume())
	assert.ErrorIs(t, r.Consume(), ErrNotHeld)

	r.Release()
	assert.ErrorIs(t, r.Consume(), ErrAlreadyReleased)
}

func TestSweep_ReclaimsExpiredReservations(t *testing.T) {
	c := newTestController(t, func(cfg *config.Config) {
		cfg.ReservationTTL = 10 * time.Millisecond
	})

	r, _ := c.TryReserve(1, 1)
	require.NotNil(t, r)

	time.Sleep(20 * time.Millisecond)
	c.sweep()

	snap := c.GetSnapshot()
	assert.Equal(t, 0, snap.ProjectedRequests)
	assert.Equal(t, int64(1), snap.TotalExpired)
}

func TestHeartbeat_KeepsReservationAlive(t *testing.T) {
	c := newTestController(t, func(cfg *config.Config) {
		cfg.ReservationTTL = 50 * time.Millisecond
	})

	r, _ := c.TryReserve(1, 1)
	stop := r.StartHeartbeat(10 * time.Millisecond)
	defer stop()

	time.Sleep(120 * time.Millisecond)
	c.sweep()

	snap := c.GetSnapshot()
	assert.Equal(t, 1, snap.ProjectedRequests)
	assert.Equal(t, int64(0), snap.TotalExpired)
	r.Release()
}

func TestReserveWithWait_SucceedsWhenCapacityFrees(t *testing.T) {
	c := newTestController(t, func(cfg *config.Config) {
		cfg.MaxTotalActiveLlm = 1
	})

	r1, _ := c.TryReserve(1, 1)
	require.NotNil(t, r1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		r1.Release()
	}()

	result := c.ReserveWithWait(context.Background(), 1, 1, time.Second, 5*time.Millisecond)
	assert.Equal(t, WaitAllowed, result.Status)
	require.NotNil(t, result.Reservation)
	result.Reservation.Release()
}

func TestReserveWithWait_TimesOut(t *testing.T) {
	c := newTestController(t, func(cfg *config.Config) {
		cfg.MaxTotalActiveLlm = 1
	})

	r1, _ := c.TryReserve(1, 1)
	require.NotNil(t, r1)
	defer r1.Release()

	result := c.ReserveWithWait(context.Background(), 1, 1, 30*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, WaitTimedOut, result.Status)
	assert.Contains(t, result.Reasons, ReasonMaxTotalActiveLlm)
}

func TestReserveWithWait_DisabledNeverWaits(t *testing.T) {
	c := newTestController(t, func(cfg *config.Config) { cfg.Disabled = true })

	start := time.Now()
	result := c.ReserveWithWait(context.Background(), 1, 1, time.Second, 5*time.Millisecond)
	assert.Equal(t, WaitBlocked, result.Status)
	assert.Contains(t, result.Reasons, ReasonRuntimeDisabled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestReserveWithWait_AbortsOnCancel(t *testing.T) {
	c := newTestController(t, func(cfg *config.Config) {
		cfg.MaxTotalActiveLlm = 1
	})

	r1, _ := c.TryReserve(1, 1)
	defer r1.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	result := c.ReserveWithWait(ctx, 1, 1, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, WaitAborted, result.Status)
}

func TestOrchestrationQueue_GrantsUpToLimitThenQueues(t *testing.T) {
	c := newTestController(t, func(cfg *config.Config) {
		cfg.MaxConcurrentOrch = 2
	})
	ctx := context.Background()

	l1, _, err := c.AcquireOrchestrationTurn(ctx, "a", "user", 0, 0, true)
	require.NoError(t, err)
	l2, _, err := c.AcquireOrchestrationTurn(ctx, "b", "user", 0, 0, true)
	require.NoError(t, err)

	_, _, err = c.AcquireOrchestrationTurn(ctx, "c", "user", 0, 0, false)
	assert.ErrorIs(t, err, ErrQueueFull)

	var wg sync.WaitGroup
	wg.Add(1)
	var queued *OrchestrationLease
	go func() {
		defer wg.Done()
		queued, _, _ = c.AcquireOrchestrationTurn(ctx, "c", "user", 0, 0, true)
	}()

	time.Sleep(20 * time.Millisecond)
	l1.Release()
	wg.Wait()

	require.NotNil(t, queued)
	queued.Release()
	l2.Release()
}

func TestOrchestrationQueue_PriorityBeforeArrival(t *testing.T) {
	c := newTestController(t, func(cfg *config.Config) {
		cfg.MaxConcurrentOrch = 1
	})
	ctx := context.Background()

	holder, _, err := c.AcquireOrchestrationTurn(ctx, "holder", "user", 0, 0, true)
	require.NoError(t, err)

	grants := make(chan string, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lease, _, _ := c.AcquireOrchestrationTurn(ctx, "bg", "background", 0, 0, true)
		grants <- "bg"
		lease.Release()
	}()
	time.Sleep(20 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		lease, _, _ := c.AcquireOrchestrationTurn(ctx, "ui", "interactive", 0, 0, true)
		grants <- "ui"
		lease.Release()
	}()
	time.Sleep(20 * time.Millisecond)

	// The later interactive waiter outranks the earlier background one.
	holder.Release()
	wg.Wait()

	assert.Equal(t, "ui", <-grants)
	assert.Equal(t, "bg", <-grants)
}

func TestAcquireDispatchPermit_ReleasesLeaseWhenReservationBlocked(t *testing.T) {
	c := newTestController(t, func(cfg *config.Config) {
		cfg.MaxTotalActiveLlm = 1
	})
	ctx := context.Background()

	r, _ := c.TryReserve(0, 1)
	require.NotNil(t, r)
	defer r.Release()

	permit, err := c.AcquireDispatchPermit(ctx, "t", "user", 1, 1, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, WaitTimedOut, permit.Admission.Status)
	assert.Nil(t, permit.Lease)

	// The orchestration slot must be free again.
	snap := c.GetSnapshot()
	assert.Empty(t, snap.ActiveOrchestrations)
}

func TestAcquireDispatchPermit_DisabledRuntime(t *testing.T) {
	c := newTestController(t, func(cfg *config.Config) { cfg.Disabled = true })

	permit, err := c.AcquireDispatchPermit(context.Background(), "t", "user", 1, 1, time.Second)
	assert.ErrorIs(t, err, ErrRuntimeDisabled)
	assert.Equal(t, WaitBlocked, permit.Admission.Status)
	assert.Equal(t, []Reason{ReasonRuntimeDisabled}, permit.Admission.Reasons)
	assert.Nil(t, permit.Lease)
	assert.Empty(t, c.GetSnapshot().ActiveOrchestrations)
}

func TestAcquireDispatchPermit_Success(t *testing.T) {
	c := newTestController(t, nil)

	permit, err := c.AcquireDispatchPermit(context.Background(), "t", "user", 1, 2, time.Second)
	require.NoError(t, err)
	require.NotNil(t, permit.Lease)
	require.NotNil(t, permit.Reservation)
	assert.Equal(t, WaitAllowed, permit.Admission.Status)

	permit.Release()
	snap := c.GetSnapshot()
	assert.Equal(t, 0, snap.ProjectedRequests)
	assert.Empty(t, snap.ActiveOrchestrations)
}
