package stacktrace

import (
	"strings"
)

// DefaultPatterns are frame prefixes that belong to test runners, reflection
// and build tooling rather than to the code under test.
var DefaultPatterns = []string{
	"org.junit.",
	"junit.framework.",
	"org.apache.tools.ant.",
	"sun.reflect.",
	"java.lang.reflect.Method.invoke",
	"jdk.internal.reflect.",
	"org.jenkinsci.testinprogress.",
	"testing.tRunner",
	"runtime.goexit",
}

// Filter reduces failure stack traces to the frames relevant to the user.
type Filter struct {
	patterns []string
}

// NewFilter creates a filter from DefaultPatterns plus extra.
func NewFilter(extra ...string) *Filter {
	return NewFilterWithPatterns(append(append([]string{}, DefaultPatterns...), extra...))
}

// NewFilterWithPatterns creates a filter matching only the given patterns.
func NewFilterWithPatterns(patterns []string) *Filter {
	p := make([]string, 0, len(patterns))

	for _, pattern := range patterns {
		if pattern = strings.TrimSpace(pattern); pattern != "" {
			p = append(p, pattern)
		}
	}

	return &Filter{patterns: p}
}

// Patterns returns a copy of the configured patterns.
func (f *Filter) Patterns() []string {
	return append([]string(nil), f.patterns...)
}

// Apply returns the frames that do not match any pattern, in their original
// order. If every frame matches, the first frame is kept so the failure
// location is never lost.
func (f *Filter) Apply(frames []string) []string {
	if len(frames) == 0 {
		return nil
	}

	kept := make([]string, 0, len(frames))

	for _, frame := range frames {
		if !f.Matches(frame) {
			kept = append(kept, frame)
		}
	}

	if len(kept) == 0 {
		kept = append(kept, frames[0])
	}

	return kept
}

// Matches reports whether frame belongs to filtered code.
func (f *Filter) Matches(frame string) bool {
	name := strings.TrimPrefix(strings.TrimSpace(frame), "at ")

	for _, p := range f.patterns {
		if strings.HasPrefix(name, p) {
			return true
		}
	}

	return false
}
