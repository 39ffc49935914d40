package live

import (
	"sort"
	"sync"

	"github.com/ethpandaops/testrelay/pkg/events"
)

// Counts is a point-in-time copy of the build's test counters.
type Counts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Running int `json:"running"`

	Suites       int `json:"suites"`
	SuitesClosed int `json:"suites_closed"`
	Runs         int `json:"runs"`
	RunsClosed   int `json:"runs_closed"`
}

// Consistent reports whether every counted test is in exactly one state.
func (c Counts) Consistent() bool {
	return c.Running >= 0 && c.Total == c.Passed+c.Failed+c.Skipped+c.Running
}

// Stats aggregates test outcomes from build events.
type Stats struct {
	mu     sync.RWMutex
	counts Counts
	open map[string]*events.Event

	// failed maps the key of each failed test to its run until the
	// trailing finish arrives or the run ends.
	failed map[string]string
}

// NewStats creates an empty aggregator.
func NewStats() *Stats {
	return &Stats{
		open:   make(map[string]*events.Event, 64),
		failed: make(map[string]string),
	}
}

// HandleEvent folds ev into the counters.
func (s *Stats) HandleEvent(ev *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case events.KindTestStarted:
		key := ev.TestKey()
		if _, ok := s.open[key]; ok {
			return
		}

		delete(s.failed, key)
		s.open[key] = ev
		s.counts.Total++
		s.counts.Running++

	case events.KindTestFinished, events.KindTestFailed:
		key := ev.TestKey()

		// A failure is terminal. Repeated failures and the finish that
		// follows are not further outcomes.
		if _, ok := s.failed[key]; ok {
			if ev.Kind == events.KindTestFinished {
				delete(s.failed, key)
			}

			return
		}

		if ev.Kind == events.KindTestFailed {
			s.failed[key] = ev.RunID
		}

		if _, ok := s.open[key]; ok {
			delete(s.open, key)
			s.counts.Running--
		} else {
			// Tests reported only at finish, such as ignored ones.
			s.counts.Total++
		}

		switch ev.Outcome() {
		case events.StatusFailed:
			s.counts.Failed++
		case events.StatusSkipped:
			s.counts.Skipped++
		default:
			s.counts.Passed++
		}

	case events.KindSuiteStarted:
		s.counts.Suites++
	case events.KindSuiteFinished:
		s.counts.SuitesClosed++
	case events.KindRunStarted:
		s.counts.Runs++
	case events.KindRunFinished:
		s.counts.RunsClosed++

		for key, run := range s.failed {
			if run == ev.RunID {
				delete(s.failed, key)
			}
		}
	}
}

// Snapshot returns a consistent copy of the counters.
func (s *Stats) Snapshot() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.counts
}

// OpenTest is a test that started but has not finished.
type OpenTest struct {
	RunID    string `json:"run_id"`
	TestID   string `json:"test_id,omitempty"`
	TestName string `json:"test_name,omitempty"`
	Suite    string `json:"suite,omitempty"`
	Seq      uint64 `json:"seq"`
}

// OpenTests lists the tests still running, ordered by start sequence.
func (s *Stats) OpenTests() []OpenTest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]OpenTest, 0, len(s.open))
	for _, ev := range s.open {
		out = append(out, OpenTest{
			RunID:    ev.RunID,
			TestID:   ev.TestID,
			TestName: ev.TestName,
			Suite:    ev.Suite,
			Seq:      ev.Seq,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})

	return out
}

// Replay folds evs into a fresh aggregator.
func Replay(evs []*events.Event) *Stats {
	s := NewStats()
	for _, ev := range evs {
		s.HandleEvent(ev)
	}

	return s
}
