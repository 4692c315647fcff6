package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// catchupLimit bounds the per-channel replay buffer handed to late
// subscribers. Chunk events are not buffered; only lifecycle events are.
const catchupLimit = 200

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this loses events (drop-oldest) rather than
// blocking publishers.
const subscriberBuffer = 256

// maxReplayChannels bounds how many per-run catchup rings are retained at
// once. The oldest run's ring is evicted when a new run pushes past the cap,
// so a long-lived server does not accumulate one ring per run forever.
const maxReplayChannels = 128

// Manager is the in-process event hub: one per process, single writer per
// item (its worker goroutine), any number of concurrent readers.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan Event // channel -> sub id -> chan
	recent      map[string][]Event              // channel -> lifecycle ring
	recentOrder []string                        // ring channels, oldest first
	nextSubID   int64
	seq         atomic.Int64
}

// NewManager creates an empty event manager.
func NewManager() *Manager {
	return &Manager{
		subscribers: make(map[string]map[int64]chan Event),
		recent:      make(map[string][]Event),
	}
}

// Subscribe registers a reader on a channel (run id, or "" for all runs).
// It returns the event stream plus the buffered lifecycle events so far,
// and a cancel function that must be called exactly once.
func (m *Manager) Subscribe(channel string) (<-chan Event, []Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	if m.subscribers[channel] == nil {
		m.subscribers[channel] = make(map[int64]chan Event)
	}
	m.subscribers[channel][id] = ch
	replay := make([]Event, len(m.recent[channel]))
	copy(replay, m.recent[channel])
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if subs, ok := m.subscribers[channel]; ok {
			if sub, ok := subs[id]; ok {
				delete(subs, id)
				close(sub)
			}
			if len(subs) == 0 {
				delete(m.subscribers, channel)
			}
		}
		m.mu.Unlock()
	}
	return ch, replay, cancel
}

// publish fans the event out to channel subscribers and wildcard
// subscribers. Lifecycle events are additionally retained for catchup.
func (m *Manager) publish(e Event) {
	e.Seq = m.seq.Add(1)
	e.At = time.Now()

	m.mu.Lock()
	if e.Type != EventItemStdout && e.Type != EventItemStderr {
		ring, known := m.recent[e.Channel]
		if !known {
			m.recentOrder = append(m.recentOrder, e.Channel)
			if len(m.recentOrder) > maxReplayChannels {
				delete(m.recent, m.recentOrder[0])
				m.recentOrder = m.recentOrder[1:]
			}
		}
		ring = append(ring, e)
		if len(ring) > catchupLimit {
			ring = ring[len(ring)-catchupLimit:]
		}
		m.recent[e.Channel] = ring
	}
	targets := make([]chan Event, 0, 4)
	for _, sub := range m.subscribers[e.Channel] {
		targets = append(targets, sub)
	}
	if e.Channel != "" {
		for _, sub := range m.subscribers[""] {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub <- e:
		default:
			// Slow subscriber: drop the oldest buffered event to make room.
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- e:
			default:
				slog.Debug("Dropped event for slow subscriber",
					"channel", e.Channel, "type", e.Type)
			}
		}
	}
}

// DropChannel forgets the catchup ring for a finished run.
func (m *Manager) DropChannel(channel string) {
	m.mu.Lock()
	delete(m.recent, channel)
	for i, c := range m.recentOrder {
		if c == channel {
			m.recentOrder = append(m.recentOrder[:i], m.recentOrder[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// Monitor implementation.

func (m *Manager) ItemStarted(runID, itemID, agentID, task string) {
	m.publish(Event{
		Type: EventItemStarted, Channel: runID, ItemID: itemID, AgentID: agentID,
		Payload: map[string]any{"task": task},
	})
}

func (m *Manager) StdoutChunk(runID, itemID, chunk string) {
	m.publish(Event{
		Type: EventItemStdout, Channel: runID, ItemID: itemID,
		Payload: map[string]any{"delta": chunk},
	})
}

func (m *Manager) StderrChunk(runID, itemID, chunk string) {
	m.publish(Event{
		Type: EventItemStderr, Channel: runID, ItemID: itemID,
		Payload: map[string]any{"delta": chunk},
	})
}

func (m *Manager) ItemFinished(runID, itemID, status, summary, errMsg string) {
	payload := map[string]any{"status": status, "summary": summary}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	m.publish(Event{Type: EventItemFinished, Channel: runID, ItemID: itemID, Payload: payload})
}

func (m *Manager) RunStarted(runID, kind string, agentIDs []string) {
	m.publish(Event{
		Type: EventRunStarted, Channel: runID,
		Payload: map[string]any{"kind": kind, "agent_ids": agentIDs},
	})
}

func (m *Manager) RunFinished(runID, outcome string, retryRecommended bool) {
	m.publish(Event{
		Type: EventRunFinished, Channel: runID,
		Payload: map[string]any{"outcome": outcome, "retry_recommended": retryRecommended},
	})
}
