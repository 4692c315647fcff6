package agent

import (
	"strings"
	"sync"
)

// tailBuffer keeps the last N lines written to it. Used for live-view
// diagnostics and error summaries without materializing full streams.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	if limit < 1 {
		limit = 1
	}
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
