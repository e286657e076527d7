package notify

import (
	"sort"
	"sync"
)

// Registry is a name-keyed set of sinks.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry creates a Registry holding sinks.
func NewRegistry(sinks ...Sink) *Registry {
	r := &Registry{sinks: make(map[string]Sink)}
	for _, s := range sinks {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the sink under its name.
func (r *Registry) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[s.Name()] = s
}

// Get returns the sink registered under name.
func (r *Registry) Get(name string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[name]
	return s, ok
}

// All returns the sinks ordered by name.
func (r *Registry) All() []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Sink, 0, len(names))
	for _, name := range names {
		out = append(out, r.sinks[name])
	}
	return out
}
