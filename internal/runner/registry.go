package runner

import (
	"log/slog"
	"sync"
	"time"
)

// Registry maps execution IDs to live state. It is one of only two pieces
// of cross-execution shared mutable state (the other is the display slot
// table) and is fully synchronized.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	execs map[string]*Execution
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		execs:  make(map[string]*Execution),
	}
}

func (r *Registry) register(e *Execution) {
	r.mu.Lock()
	r.execs[e.id] = e
	r.mu.Unlock()
}

func (r *Registry) get(id string) (*Execution, bool) {
	r.mu.RLock()
	e, ok := r.execs[id]
	r.mu.RUnlock()
	return e, ok
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.execs, id)
	r.mu.Unlock()
}

// Len returns the number of tracked executions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.execs)
}

// staleIDs returns IDs older than maxAge. The caller stops and purges them
// outside the lock so sweep never blocks hot-path operations.
func (r *Registry) staleIDs(maxAge time.Duration) []string {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.execs {
		if e.age(now) > maxAge {
			ids = append(ids, id)
		}
	}
	return ids
}
