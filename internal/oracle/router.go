package oracle

import (
	"fmt"
	"sort"
)

// Router is a generic backend dispatcher mapping engine names to
// implementations, with O(1) lookup and a configurable fallback.
type Router[T any] struct {
	backends map[string]T
	fallback string
}

// NewRouter creates a router with the given backends and a fallback engine
// name used when the requested engine is not registered.
func NewRouter[T any](backends map[string]T, fallback string) *Router[T] {
	return &Router[T]{backends: backends, fallback: fallback}
}

// Resolve returns the backend for the engine name together with the name
// actually selected, falling back to the default for unknown engines.
func (r *Router[T]) Resolve(engine string) (string, T, error) {
	if backend, ok := r.backends[engine]; ok {
		return engine, backend, nil
	}
	if backend, ok := r.backends[r.fallback]; ok {
		return r.fallback, backend, nil
	}
	var zero T
	return "", zero, fmt.Errorf("engine %q unknown and fallback %q unregistered", engine, r.fallback)
}

// Has reports whether a backend is registered under the given engine name.
func (r *Router[T]) Has(engine string) bool {
	_, ok := r.backends[engine]
	return ok
}

// Engines returns all registered backend names, sorted for stable logs.
func (r *Router[T]) Engines() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
