package graph

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// DefaultID is the graph every unresolvable graph_id falls back to.
const DefaultID = "agent"

// Registry maps graph IDs to factories. Populated at startup, read-only
// afterwards; resolution of a stale graph_id falls back to the default so
// persisted assistants never brick after a graph is removed.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	lazy      map[string]func() (Factory, error)
	logger    *slog.Logger
}

// NewRegistry creates an empty graph registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		lazy:      make(map[string]func() (Factory, error)),
		logger:    logger,
	}
}

// Register installs a factory under an ID, replacing any previous
// registration.
func (r *Registry) Register(id string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
	delete(r.lazy, id)
}

// RegisterLazy installs a deferred factory. The loader runs on first
// resolve and its result is cached; a load failure falls back to the
// default graph like an unknown ID.
func (r *Registry) RegisterLazy(id string, load func() (Factory, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lazy[id] = load
	delete(r.factories, id)
}

// Resolve returns the factory for an ID. Unknown IDs and failed lazy
// loads resolve to the default graph with a warning; the error return is
// only for a registry with no default registered.
func (r *Registry) Resolve(id string) (Factory, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	load, lazyOK := r.lazy[id]
	r.mu.RUnlock()

	if ok {
		return factory, nil
	}

	if lazyOK {
		factory, err := load()
		if err == nil {
			r.mu.Lock()
			r.factories[id] = factory
			delete(r.lazy, id)
			r.mu.Unlock()
			return factory, nil
		}
		r.logger.Warn("Lazy graph load failed, falling back to default graph",
			"graph_id", id,
			"fallback", DefaultID,
			"error", err)
	} else {
		r.logger.Warn("Unknown graph_id, falling back to default graph",
			"graph_id", id,
			"fallback", DefaultID)
	}

	r.mu.RLock()
	fallback, ok := r.factories[DefaultID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("graph %q is not registered and no default graph exists", id)
	}
	return fallback, nil
}

// Has reports whether an ID is registered, eagerly or lazily.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	if !ok {
		_, ok = r.lazy[id]
	}
	return ok
}

// IDs returns all registered graph IDs, lazy ones included, sorted.
// Feeds the /info capabilities payload.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories)+len(r.lazy))
	for id := range r.factories {
		ids = append(ids, id)
	}
	for id := range r.lazy {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
