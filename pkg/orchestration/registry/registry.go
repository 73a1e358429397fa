// Package registry provides a thread-safe, namespaced lookup of step
// handlers, keyed by the handler class string stored on each
// NamedTaskStep. It is the orchestration-core analogue of a package-level
// step registry, generalized from a single flat name space
// to namespace+version qualified classes.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/taskflow-io/engine/pkg/domain/orcherrors"
	"github.com/taskflow-io/engine/pkg/orchestration/executor"
)

// Registry resolves a handler class string ("namespace.name@version") to a
// concrete Handler. It implements executor.HandlerLookup via Resolve.
type Registry struct {
	mu    sync.RWMutex
	table map[string]executor.Handler
	order []string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{table: make(map[string]executor.Handler)}
}

// Register adds a handler under class. Registering the same class twice is
// a programming error and panics, matching the package-level step
// registry this is modeled on; ReplaceOrRegister overwrites instead.
func (r *Registry) Register(class string, h executor.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.table[class]; exists {
		panic(fmt.Sprintf("registry: handler class already registered: %s", class))
	}
	r.table[class] = h
	r.order = append(r.order, class)
}

// ReplaceOrRegister registers h under class, overwriting any existing
// registration. Intended for tests and hot-reload tooling where panicking
// on a duplicate would be unwelcome.
func (r *Registry) ReplaceOrRegister(class string, h executor.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.table[class]; !exists {
		r.order = append(r.order, class)
	}
	r.table[class] = h
}

// Get returns the handler registered under class, if any.
func (r *Registry) Get(class string) (executor.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.table[class]
	return h, ok
}

// Resolve adapts Get to the executor.HandlerLookup shape.
func (r *Registry) Resolve(class string) (executor.Handler, bool) {
	return r.Get(class)
}

// Classes returns every registered handler class, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// MustGet returns the handler for class or an orcherrors.Error with
// CodeHandlerNotFound.
func (r *Registry) MustGet(class string) (executor.Handler, error) {
	h, ok := r.Get(class)
	if !ok {
		return nil, orcherrors.New(orcherrors.CodeHandlerNotFound, "registry",
			"no handler registered for class "+class, nil)
	}
	return h, nil
}
