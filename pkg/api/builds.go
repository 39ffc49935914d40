package api

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethpandaops/testrelay/pkg/results"
	"github.com/sirupsen/logrus"
)

var errBuildNotFound = errors.New("build not found")

// buildSet tracks the builds known to the coordinator and the forwarder
// tokens that stream into them. Completed builds missing from memory are
// loaded from the results directory on first access.
type buildSet struct {
	log        logrus.FieldLogger
	resultsDir string
	eventsDir  string

	mu      sync.RWMutex
	byID    map[string]*results.Build
	byToken map[string]*results.Build
}

func newBuildSet(log logrus.FieldLogger, resultsDir, eventsDir string) *buildSet {
	return &buildSet{
		log:        log,
		resultsDir: resultsDir,
		eventsDir:  eventsDir,
		byID:       make(map[string]*results.Build, 16),
		byToken:    make(map[string]*results.Build, 16),
	}
}

func (s *buildSet) add(b *results.Build, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[b.ID()] = b
	s.byToken[token] = b
}

// has reports whether a build with id is held in memory.
func (s *buildSet) has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byID[id]

	return ok
}

func (s *buildSet) byForwardToken(token string) (*results.Build, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.byToken[token]

	return b, ok
}

// get returns the build with id, loading it from disk when needed.
func (s *buildSet) get(id string) (*results.Build, error) {
	s.mu.RLock()
	b, ok := s.byID[id]
	s.mu.RUnlock()

	if ok {
		return b, nil
	}

	if !validBuildID(id) {
		return nil, errBuildNotFound
	}

	loaded, err := results.Load(s.log, filepath.Join(s.resultsDir, id), s.eventsDir)
	if err != nil {
		if errors.Is(err, results.ErrNotComplete) {
			return nil, errBuildNotFound
		}

		return nil, fmt.Errorf("loading build %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[id]; ok {
		return existing, nil
	}

	s.byID[id] = loaded

	return loaded, nil
}

// running returns the builds that have not completed yet.
func (s *buildSet) running() []*results.Build {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*results.Build, 0, len(s.byID))

	for _, b := range s.byID {
		if b.State() != results.StateComplete {
			out = append(out, b)
		}
	}

	return out
}

func validBuildID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}
