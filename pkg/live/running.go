package live

import (
	"sort"
	"sync"

	"github.com/ethpandaops/testrelay/pkg/events"
)

// RunningEvents is the append-only in-memory cache of a build's events.
type RunningEvents struct {
	mu     sync.RWMutex
	events []*events.Event
}

// NewRunningEvents creates an empty cache.
func NewRunningEvents() *RunningEvents {
	return &RunningEvents{
		events: make([]*events.Event, 0, 256),
	}
}

// HandleEvent appends ev.
func (r *RunningEvents) HandleEvent(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
}

// Len returns the number of cached events.
func (r *RunningEvents) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.events)
}

// All returns a copy of every cached event in append order.
func (r *RunningEvents) All() []*events.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]*events.Event(nil), r.events...)
}

// Since returns the events with a sequence number greater than seq.
func (r *RunningEvents) Since(seq uint64) []*events.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Events arrive in Seq order.
	i := sort.Search(len(r.events), func(i int) bool {
		return r.events[i].Seq > seq
	})

	return append([]*events.Event(nil), r.events[i:]...)
}

// ByRun returns the events of one run in append order.
func (r *RunningEvents) ByRun(runID string) []*events.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*events.Event

	for _, ev := range r.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}

	return out
}
