package api

import (
	"context"
	"sync"
	"time"
)

// activeRun is one in-flight orchestration, cancellable by run id.
type activeRun struct {
	Kind      string    `json:"kind"`
	Source    string    `json:"source,omitempty"`
	StartedAt time.Time `json:"started_at"`

	cancel context.CancelFunc
}

// runRegistry tracks in-flight runs so the cancel endpoint can reach them.
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]*activeRun
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]*activeRun)}
}

// register wraps ctx in a cancellable child and tracks it under runID.
// The returned done func must be called when the run finishes.
func (r *runRegistry) register(ctx context.Context, runID, kind, source string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.runs[runID] = &activeRun{Kind: kind, Source: source, StartedAt: time.Now(), cancel: cancel}
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		delete(r.runs, runID)
		r.mu.Unlock()
		cancel()
	}
}

// cancelRun cancels an in-flight run; false when the id is unknown.
func (r *runRegistry) cancelRun(runID string) bool {
	r.mu.Lock()
	run, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	return true
}

// snapshot lists the in-flight runs keyed by run id.
func (r *runRegistry) snapshot() map[string]activeRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]activeRun, len(r.runs))
	for id, run := range r.runs {
		out[id] = *run
	}
	return out
}
