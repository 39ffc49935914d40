package events

import (
	"time"
)

// Kind identifies the type of a build test event.
type Kind string

const (
	KindRunStarted    Kind = "run_started"
	KindSuiteStarted  Kind = "suite_started"
	KindTestStarted   Kind = "test_started"
	KindTestFinished  Kind = "test_finished"
	KindTestFailed    Kind = "test_failed"
	KindSuiteFinished Kind = "suite_finished"
	KindRunFinished   Kind = "run_finished"
)

// Status is the outcome of a finished test.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Valid reports whether s is a known test outcome.
func (s Status) Valid() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Record is one decoded unit of the test event wire protocol. It carries
// no run identity; the correlator stamps it into an Event.
type Record struct {
	Kind       Kind     `json:"kind"`
	Suite      string   `json:"suite,omitempty"`
	TestID     string   `json:"test_id,omitempty"`
	TestName   string   `json:"test_name,omitempty"`
	Status     Status   `json:"status,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
	Message    string   `json:"message,omitempty"`
	Stack      []string `json:"stack,omitempty"`
	Expected   string   `json:"expected,omitempty"`
	Actual     string   `json:"actual,omitempty"`
	Count      int      `json:"count,omitempty"`
}

// Terminal reports whether the record finishes a test.
func (r *Record) Terminal() bool {
	return r.Kind == KindTestFinished || r.Kind == KindTestFailed
}

// Outcome returns the status a terminal record finishes its test with.
// A test_failed record always finishes the test as failed.
func (r *Record) Outcome() Status {
	if r.Kind == KindTestFailed {
		return StatusFailed
	}

	if r.Status.Valid() {
		return r.Status
	}

	return StatusPassed
}

// Event is a Record scoped to a build: it belongs to exactly one run and
// carries the build-wide arrival sequence number.
type Event struct {
	Seq   uint64    `json:"seq"`
	RunID string    `json:"run_id"`
	Time  time.Time `json:"time"`
	Record
}

// TestKey identifies a test within the build. Test ids are only unique per
// run, so the run id is part of the key.
func (e *Event) TestKey() string {
	id := e.TestID
	if id == "" {
		id = e.TestName
	}

	return e.RunID + "/" + id
}

// Listener receives build-scoped events. Implementations must be safe for
// concurrent calls from multiple runs.
type Listener interface {
	HandleEvent(ev *Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ev *Event)

// HandleEvent calls f(ev).
func (f ListenerFunc) HandleEvent(ev *Event) {
	f(ev)
}

// Fanout delivers each event to a fixed, ordered list of listeners.
type Fanout struct {
	listeners []Listener
}

// NewFanout copies listeners into an immutable delivery list.
func NewFanout(listeners ...Listener) *Fanout {
	l := make([]Listener, 0, len(listeners))

	for _, listener := range listeners {
		if listener != nil {
			l = append(l, listener)
		}
	}

	return &Fanout{listeners: l}
}

// HandleEvent delivers ev to every listener in registration order.
func (f *Fanout) HandleEvent(ev *Event) {
	for _, l := range f.listeners {
		l.HandleEvent(ev)
	}
}

// Len returns the number of registered listeners.
func (f *Fanout) Len() int {
	return len(f.listeners)
}
