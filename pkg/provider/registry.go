// Package provider implements the provider registry and a scripted mock
// backend. Concrete model backends (text, image, video) register themselves
// here during startup; the engine acquires scoped instances per call.
package provider

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/atelier-ai/atelier/pkg/api"
)

// Registry maps provider names to factories producing scoped provider
// instances. It is an explicitly constructed value injected into the
// orchestrator at startup, never a package global, so tests can substitute
// mock providers without process-wide side effects.
//
// Lifecycle: empty at construction, populated during startup by each provider
// module registering itself, read concurrently by many run goroutines
// thereafter. Registration is idempotent: registering the same factory under
// the same name again is a no-op. Registering a different factory under an
// existing name is a deliberate last-write-wins replacement, reported through
// Register's return value so it is never silent.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]api.ProviderFactory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]api.ProviderFactory),
	}
}

// Register adds a factory under name. It returns true when an existing,
// different factory was replaced; re-registering the identical factory is a
// no-op returning false. Empty names and nil factories panic: both are
// startup wiring bugs, not runtime conditions.
func (r *Registry) Register(name string, factory api.ProviderFactory) bool {
	if name == "" {
		panic("provider: name must not be empty")
	}
	if factory == nil {
		panic(fmt.Sprintf("provider: factory for %q must not be nil", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.factories[name]
	if exists && sameFactory(prev, factory) {
		return false
	}
	r.factories[name] = factory
	return exists
}

// Acquire produces a scoped provider instance for name. The caller owns the
// instance and must release it with Close. Unknown names fail with
// api.ErrProviderNotFound.
func (r *Registry) Acquire(ctx context.Context, name string) (api.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrProviderNotFound, name)
	}

	p, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", name, err)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sameFactory compares two factories by code pointer. Good enough to make
// repeated registration of the same top-level function idempotent.
func sameFactory(a, b api.ProviderFactory) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
