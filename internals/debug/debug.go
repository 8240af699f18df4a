// Package debug holds the TERMINAL-gated state registry: live components
// register snapshot functions and an HTTP handler serves the combined dump.
package debug

import (
	"encoding/json"
	"net/http"
	"sync"
)

type Registry struct {
	mu      sync.RWMutex
	entries map[string]func() any
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]func() any)}
}

// Register adds a named snapshot source, replacing any previous one.
func (r *Registry) Register(name string, fn func() any) {
	r.mu.Lock()
	r.entries[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

// Snapshot evaluates every registered source.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	fns := make(map[string]func() any, len(r.entries))
	for name, fn := range r.entries {
		fns[name] = fn
	}
	r.mu.RUnlock()

	out := make(map[string]any, len(fns))
	for name, fn := range fns {
		out[name] = fn()
	}
	return out
}

func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(r.Snapshot())
}
