// Package pool provides a bounded-concurrency executor for independent work
// items: at most N workers in flight, cancellation observed at every
// dispatch point, optional weighted priority scheduling, and two settle
// modes (fail-fast "all" and collect-everything "allSettled").
package pool

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted is the canonical cancellation error: the pool observed
// cancellation at a dispatch point and stopped scheduling new work.
var ErrAborted = errors.New("concurrency pool aborted")

// SettleMode controls how worker errors affect the batch.
type SettleMode int

// Settle modes.
const (
	// SettleAll stops dispatching after the first error; in-flight workers
	// finish, then the first error is returned.
	SettleAll SettleMode = iota
	// SettleAllSettled runs every item and collects per-item outcomes
	// without aborting peers.
	SettleAllSettled
)

// Options tune a single Run invocation.
type Options struct {
	// Mode selects the settle behavior; zero value is SettleAll.
	Mode SettleMode
	// AbortOnError stops further dispatch after the first captured error
	// even in SettleAllSettled mode.
	AbortOnError bool
	// Weights assigns a scheduling weight per input index. Values <= 0 are
	// treated as 1. Ignored unless UsePriority is set.
	Weights []int
	// UsePriority dispatches the unclaimed item with the highest weight
	// next (ties broken by input index) instead of input order.
	UsePriority bool
}

// Result is one per-item outcome. Index always matches the input position.
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// Worker executes one item. The context is a child of the Run context.
type Worker[T, R any] func(ctx context.Context, item T, index int) (R, error)

// Run executes items with at most limit concurrent workers. The returned
// slice always has len(items) entries in input order; items never dispatched
// (abort or cancellation) carry ErrAborted in their slot. In SettleAll mode
// the first worker error is also returned; cancellation returns ErrAborted.
func Run[T, R any](ctx context.Context, items []T, limit int, worker Worker[T, R], opts Options) ([]Result[R], error) {
	results := make([]Result[R], len(items))
	for i := range results {
		results[i] = Result[R]{Index: i, Err: ErrAborted}
	}
	if len(items) == 0 {
		return results, nil
	}
	if limit < 1 {
		limit = 1
	}
	if limit > len(items) {
		limit = len(items)
	}

	s := &scheduler{
		total:   len(items),
		claimed: make([]bool, len(items)),
		opts:    opts,
	}

	var wg sync.WaitGroup
	for w := 0; w < limit; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				// Cancellation is observed before every claim.
				if ctx.Err() != nil {
					s.abort(ErrAborted)
					return
				}
				idx, ok := s.claim()
				if !ok {
					return
				}
				value, err := worker(ctx, items[idx], idx)
				results[idx] = Result[R]{Index: idx, Value: value, Err: err}
				if err != nil {
					s.recordError(err)
				}
				// And again after every completion, before the next claim.
				if ctx.Err() != nil {
					s.abort(ErrAborted)
					return
				}
			}
		}()
	}
	wg.Wait()

	s.mu.Lock()
	firstErr := s.firstErr
	aborted := s.aborted
	s.mu.Unlock()

	if aborted != nil {
		return results, aborted
	}
	if opts.Mode == SettleAll && firstErr != nil {
		return results, firstErr
	}
	return results, nil
}

// scheduler hands out unclaimed item indexes under a mutex. In priority mode
// the highest-weight unclaimed item wins; otherwise items go in input order.
type scheduler struct {
	mu       sync.Mutex
	total    int
	claimed  []bool
	next     int // cursor for input-order mode
	firstErr error
	aborted  error
	opts     Options
}

func (s *scheduler) claim() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted != nil {
		return 0, false
	}
	// In SettleAll (or explicit AbortOnError) a captured error stops dispatch.
	if s.firstErr != nil && (s.opts.Mode == SettleAll || s.opts.AbortOnError) {
		return 0, false
	}

	if !s.opts.UsePriority {
		for s.next < s.total {
			idx := s.next
			s.next++
			if !s.claimed[idx] {
				s.claimed[idx] = true
				return idx, true
			}
		}
		return 0, false
	}

	best, bestWeight := -1, 0
	for i := 0; i < s.total; i++ {
		if s.claimed[i] {
			continue
		}
		w := 1
		if i < len(s.opts.Weights) && s.opts.Weights[i] > 0 {
			w = s.opts.Weights[i]
		}
		if best == -1 || w > bestWeight {
			best, bestWeight = i, w
		}
	}
	if best == -1 {
		return 0, false
	}
	s.claimed[best] = true
	return best, true
}

func (s *scheduler) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstErr == nil {
		s.firstErr = err
	}
}

func (s *scheduler) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted == nil {
		s.aborted = err
	}
}
