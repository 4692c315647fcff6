package ratelimit

import (
	"math"
	"time"
)

// Predictive weighting: recent 429s dominate, older ones decay, and an
// active streak adds a fixed penalty. The sum is capped at 1.0.
const (
	window10m = 10 * time.Minute
	window30m = 30 * time.Minute
	window60m = 60 * time.Minute

	weight10m    = 0.4
	weight30m    = 0.15
	weight60m    = 0.05
	weightStreak = 0.2
)

// Predict returns the predictive view for the endpoint key.
func (c *Controller) Predict(key string) Prediction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.predictLocked(key, c.limitFor(key))
}

// predictLocked computes the prediction for one limit. Caller holds c.mu.
// The real endpoint key is threaded through for future per-key tuning and
// so log lines can name the endpoint, never a stringified placeholder.
func (c *Controller) predictLocked(_ string, l *LearnedLimit) Prediction {
	now := c.now()

	var in10, in30, in60 int
	for _, ts := range l.History {
		age := now.Sub(ts)
		if age <= window10m {
			in10++
		}
		if age <= window30m {
			in30++
		}
		if age <= window60m {
			in60++
		}
	}

	prob := float64(in10)*weight10m +
		float64(in30)*weight30m +
		float64(in60)*weight60m +
		float64(l.Consecutive429)*weightStreak
	if prob > 1.0 {
		prob = 1.0
	}

	p := Prediction{
		Probability: prob,
		Confidence:  math.Min(1, float64(len(l.History))/10),
	}

	if c.state.PredictiveEnabled && prob > c.state.PredictiveThreshold {
		p.ThrottleRecommended = true
		rec := int(math.Floor(float64(l.Concurrency) * (1 - prob*0.5)))
		if rec < 1 {
			rec = 1
		}
		p.RecommendedConcurrency = rec
	} else {
		p.RecommendedConcurrency = l.Concurrency
	}

	// With three or more samples the average inter-429 interval gives a
	// rough center for the next risk window, ±20%.
	if len(l.History) >= 3 {
		first := l.History[0]
		last := l.History[len(l.History)-1]
		avg := last.Sub(first) / time.Duration(len(l.History)-1)
		if avg > 0 {
			center := last.Add(avg)
			margin := time.Duration(float64(avg) * 0.2)
			p.NextRiskWindowStart = center.Add(-margin)
			p.NextRiskWindowEnd = center.Add(margin)
		}
	}
	return p
}
