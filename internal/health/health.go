// Package health aggregates named subsystem probes for the /health
// endpoint.
package health

import (
	"context"
	"sort"
	"sync"
)

// Status is one subsystem's probe result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. It must respect ctx cancellation.
type Checker func(ctx context.Context) Status

// Registry holds the registered probes. Registering a name twice
// replaces the earlier probe.
type Registry struct {
	mu     sync.RWMutex
	probes map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Checker)}
}

// Register adds (or replaces) a named probe.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.probes[name] = check
	r.mu.Unlock()
}

// CheckAll runs every probe and reports the aggregate plus per-subsystem
// results, ordered by name. The registered name wins over whatever the
// probe puts in Status.Name.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, 0, len(r.probes))
	probes := make(map[string]Checker, len(r.probes))
	for name, check := range r.probes {
		names = append(names, name)
		probes[name] = check
	}
	r.mu.RUnlock()
	sort.Strings(names)

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		st := probes[name](ctx)
		st.Name = name
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
