package breaker

import (
	"sort"
	"sync"
)

// Registry holds one breaker per external dependency. It is constructed in
// main and injected; there is no package-level instance.
type Registry struct {
	defaults Options

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(defaults Options) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a dependency name, creating it with the
// registry defaults on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.defaults)
	r.breakers[name] = b
	return b
}

// AnyOpen reports whether any registered circuit is currently open.
func (r *Registry) AnyOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.breakers {
		if b.State() == StateOpen {
			return true
		}
	}
	return false
}

// Snapshots returns diagnostic views sorted by dependency name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
