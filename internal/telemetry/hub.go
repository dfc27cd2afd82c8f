package telemetry

import (
	"sync"
	"time"

	"github.com/rjboer/rfsweep/internal/results"
	"github.com/rjboer/rfsweep/internal/sweep"
)

// Event describes one finished sweep point.
type Event struct {
	Time        time.Time          `json:"time"`
	RunID       string             `json:"run_id"`
	Family      sweep.Family       `json:"family"`
	Index       int                `json:"sweep_index"`
	Total       int                `json:"total"`
	FrequencyHz float64            `json:"frequency_hz"`
	PowerDBm    *float64           `json:"power_dbm,omitempty"`
	Status      results.Status     `json:"status"`
	Error       string             `json:"error,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// EventFromRecord builds the progress event for a stored record.
func EventFromRecord(runID string, r results.Record, total int) Event {
	return Event{
		Time:        time.Now(),
		RunID:       runID,
		Family:      r.Family,
		Index:       r.Index,
		Total:       total,
		FrequencyHz: r.FrequencyHz,
		PowerDBm:    r.PowerDBm,
		Status:      r.Status,
		Error:       r.Error,
		Metrics:     r.Metrics,
	}
}

// Reporter receives progress events.
type Reporter interface {
	Report(ev Event)
}

// MultiReporter fans out events to multiple destinations.
type MultiReporter []Reporter

// Report forwards the event to each configured reporter.
func (m MultiReporter) Report(ev Event) {
	for _, r := range m {
		if r != nil {
			r.Report(ev)
		}
	}
}

const defaultHistoryLimit = 500

// Hub keeps recent events and fans them out to live subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []Event
	historyLimit int
	subscribers  map[chan Event]struct{}
}

// NewHub builds a hub with the provided history limit.
func NewHub(historyLimit int) *Hub {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Hub{
		historyLimit: historyLimit,
		subscribers:  make(map[chan Event]struct{}),
	}
}

// Report implements Reporter. Slow subscribers miss events rather than
// blocking the measurement loop.
func (h *Hub) Report(ev Event) {
	h.mu.Lock()
	h.history = append(h.history, ev)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// History returns a copy of stored events.
func (h *Hub) History() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Event, len(h.history))
	copy(out, h.history)
	return out
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}
