package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdjuster(t *testing.T, base int) *Adjuster {
	t.Helper()
	a := NewAdjuster(base, time.Minute)
	t.Cleanup(a.Close)
	return a
}

func TestAdjuster_429CutsParallelismByThirty(t *testing.T) {
	a := newTestAdjuster(t, 10)
	a.Record("k", Signal429, 0)
	assert.Equal(t, 7, a.Parallelism("k"))
}

func TestAdjuster_TimeoutAndErrorFactors(t *testing.T) {
	a := newTestAdjuster(t, 10)
	a.Record("k", SignalTimeout, 0)
	assert.Equal(t, 9, a.Parallelism("k")) // floor(10 * 0.9)

	b := newTestAdjuster(t, 20)
	b.Record("k", SignalError, 0)
	assert.Equal(t, 19, b.Parallelism("k")) // floor(20 * 0.95)
}

func TestAdjuster_NeverBelowMinimum(t *testing.T) {
	a := newTestAdjuster(t, 4)
	for i := 0; i < 20; i++ {
		a.Record("k", Signal429, 0)
	}
	assert.Equal(t, 1, a.Parallelism("k"))
}

func TestAdjuster_SuccessIsNotAnError(t *testing.T) {
	a := newTestAdjuster(t, 8)
	a.Record("k", SignalSuccess, 100*time.Millisecond)
	assert.Equal(t, 8, a.Parallelism("k"))
	assert.True(t, a.Healthy("k"))
}

func TestAdjuster_HealthyRequiresQuietAndNearBaseline(t *testing.T) {
	a := newTestAdjuster(t, 10)
	assert.True(t, a.Healthy("k"))

	a.Record("k", Signal429, 0)
	assert.False(t, a.Healthy("k"))
}

func TestAdjuster_CrossInstanceSplitsCapacity(t *testing.T) {
	a := newTestAdjuster(t, 8)
	a.Record("k", SignalSuccess, 0) // materialize the endpoint
	a.ApplyCrossInstanceLimits(4)
	assert.Equal(t, 2, a.Parallelism("k"))
}

func TestAdjuster_RecommendedBackoff(t *testing.T) {
	a := newTestAdjuster(t, 8)
	base := time.Now()
	a.now = func() time.Time { return base }

	assert.Zero(t, a.RecommendedBackoff("k"))

	a.Record("k", Signal429, 0)
	assert.Equal(t, 2*time.Second, a.RecommendedBackoff("k"))

	base = base.Add(90 * time.Second)
	assert.Zero(t, a.RecommendedBackoff("k"))
}

func TestAdjuster_RecoveryRaisesQuietEndpoints(t *testing.T) {
	a := newTestAdjuster(t, 10)
	base := time.Now()
	a.now = func() time.Time { return base }

	a.Record("k", Signal429, 0) // 10 -> 7

	// Old errors age out of the window; enough time since the adjustment.
	base = base.Add(6 * time.Minute)
	a.runRecovery()

	// ceil(7 * 1.1) = 8
	assert.Equal(t, 8, a.Parallelism("k"))
}

func TestAdjuster_StatusesSnapshot(t *testing.T) {
	a := newTestAdjuster(t, 10)
	a.Record("k", Signal429, 200*time.Millisecond)

	statuses := a.Statuses()
	require.Len(t, statuses, 1)
	s := statuses[0]
	assert.Equal(t, "k", s.Endpoint)
	assert.Equal(t, 10, s.BaseParallelism)
	assert.Equal(t, 7, s.CurrentParallelism)
	assert.Equal(t, 1, s.Recent429s)
	assert.False(t, s.Healthy)
	assert.Equal(t, 200*time.Millisecond, s.AvgResponseTime)
	assert.Greater(t, s.RecommendedBackoff, time.Duration(0))
	assert.LessOrEqual(t, s.RecommendedBackoff, 2*time.Second)
}
