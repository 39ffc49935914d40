package results

import (
	"encoding/json"
	"sort"

	"github.com/ethpandaops/testrelay/pkg/events"
	"github.com/ethpandaops/testrelay/pkg/indexstore"
)

// StatusRunning marks a test that never finished.
const StatusRunning = "running"

// Outcomes derives the final state of every test from a build's events,
// ordered by the sequence number of the event that settled it.
func Outcomes(evs []*events.Event) []*indexstore.TestOutcome {
	byKey := make(map[string]*indexstore.TestOutcome, len(evs)/2)
	failed := make(map[string]string)

	for _, ev := range evs {
		if ev.Kind == events.KindRunFinished {
			for key, run := range failed {
				if run == ev.RunID {
					delete(failed, key)
				}
			}

			continue
		}

		if ev.Kind != events.KindTestStarted && !ev.Terminal() {
			continue
		}

		key := ev.TestKey()

		o, ok := byKey[key]
		if ev.Kind == events.KindTestStarted && ok && o.Status == StatusRunning {
			continue
		}

		// Only the first failure counts; the finish that follows it
		// contributes its duration.
		if _, isFailed := failed[key]; ok && isFailed && ev.Kind != events.KindTestStarted {
			if ev.Kind == events.KindTestFinished {
				o.DurationMs = ev.DurationMs
				delete(failed, key)
			}

			continue
		}

		if ev.Kind == events.KindTestFailed {
			failed[key] = ev.RunID
		} else {
			delete(failed, key)
		}

		if !ok {
			o = &indexstore.TestOutcome{
				RunID:  ev.RunID,
				TestID: ev.TestID,
			}
			byKey[key] = o
		}

		if ev.Suite != "" {
			o.Suite = ev.Suite
		}

		if ev.TestName != "" {
			o.TestName = ev.TestName
		}

		o.Seq = ev.Seq

		if ev.Kind == events.KindTestStarted {
			o.Status = StatusRunning
			o.DurationMs = 0
			o.Message = ""
			o.StackJSON = ""

			continue
		}

		o.Status = string(ev.Outcome())
		o.DurationMs = ev.DurationMs
		o.Message = ev.Message
		o.StackJSON = ""

		if len(ev.Stack) > 0 {
			if data, err := json.Marshal(ev.Stack); err == nil {
				o.StackJSON = string(data)
			}
		}
	}

	out := make([]*indexstore.TestOutcome, 0, len(byKey))
	for _, o := range byKey {
		out = append(out, o)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})

	return out
}
