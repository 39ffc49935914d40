package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registry records the run ids of every test-runner connection in a build.
// Ids are only ever appended.
type Registry interface {
	// Register returns a fresh, never-before-issued run id.
	Register() string
	// List returns all run ids in registration order.
	List() []string
	// Len returns the number of registered run ids.
	Len() int
}

// Ensure interface compliance.
var _ Registry = (*registry)(nil)

type registry struct {
	mu   sync.RWMutex
	ids  []string
	seen map[string]struct{}
	gen  func() string
}

// New creates an empty registry issuing UUIDv4 run ids.
func New() Registry {
	return newRegistry(uuid.NewString)
}

// Restore creates a registry from a persisted snapshot. Duplicate ids are
// rejected since run ids are never reused.
func Restore(ids []string) (Registry, error) {
	r := newRegistry(uuid.NewString)

	for _, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("empty run id in snapshot")
		}

		if _, dup := r.seen[id]; dup {
			return nil, fmt.Errorf("duplicate run id %q in snapshot", id)
		}

		r.seen[id] = struct{}{}
		r.ids = append(r.ids, id)
	}

	return r, nil
}

func newRegistry(gen func() string) *registry {
	return &registry{
		ids:  make([]string, 0, 8),
		seen: make(map[string]struct{}, 8),
		gen:  gen,
	}
}

// Register returns a fresh run id.
func (r *registry) Register() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		id := r.gen()
		if _, dup := r.seen[id]; dup {
			continue
		}

		r.seen[id] = struct{}{}
		r.ids = append(r.ids, id)

		return id
	}
}

// List returns a copy of the registered ids.
func (r *registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.ids...)
}

// Len returns the number of registered ids.
func (r *registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.ids)
}
