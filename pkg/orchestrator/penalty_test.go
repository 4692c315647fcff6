package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPenalty_StartsAtZero(t *testing.T) {
	p := NewPenalty(3, time.Minute)
	assert.Equal(t, 0, p.Level())
	assert.Equal(t, 8, p.Apply(8))
}

func TestPenalty_RaiseDividesBaseline(t *testing.T) {
	p := NewPenalty(3, time.Minute)

	p.Raise("rate_limit")
	assert.Equal(t, 1, p.Level())
	assert.Equal(t, 4, p.Apply(8))

	p.Raise("rate_limit")
	assert.Equal(t, 2, p.Apply(8))
}

func TestPenalty_CapsAtMax(t *testing.T) {
	p := NewPenalty(3, time.Minute)
	for i := 0; i < 10; i++ {
		p.Raise("capacity")
	}
	assert.Equal(t, 3, p.Level())
	assert.Equal(t, 2, p.Apply(8))
}

func TestPenalty_ApplyNeverBelowOne(t *testing.T) {
	p := NewPenalty(3, time.Minute)
	p.Raise("capacity")
	assert.Equal(t, 1, p.Apply(1))
}

func TestPenalty_LowerStopsAtZero(t *testing.T) {
	p := NewPenalty(3, time.Minute)
	p.Raise("capacity")
	p.Lower()
	p.Lower()
	assert.Equal(t, 0, p.Level())
}

func TestPenalty_DecaysOneStepPerInterval(t *testing.T) {
	p := NewPenalty(3, time.Minute)
	base := time.Now()
	p.now = func() time.Time { return base }

	p.Raise("rate_limit")
	p.Raise("rate_limit")
	assert.Equal(t, 2, p.Level())

	base = base.Add(time.Minute)
	assert.Equal(t, 1, p.Level())

	base = base.Add(2 * time.Minute)
	assert.Equal(t, 0, p.Level())
}
