package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/warmpool/warmpool/pkg/telemetry"
)

// Factory constructs a provider session.
type Factory func(ctx context.Context) (Provider, error)

// Registry maps provider kinds to factories and caches one decorated
// instance per kind.
type Registry struct {
	// mu protects the registry state.
	mu sync.Mutex

	// factories maps provider kind to its constructor.
	factories map[string]Factory

	// instances maps provider kind to its resolved, decorated provider.
	instances map[string]Provider

	tel *telemetry.Telemetry
}

// NewRegistry creates an empty provider registry.
func NewRegistry(tel *telemetry.Telemetry) *Registry {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Provider),
		tel:       tel,
	}
}

// Register adds a factory for kind. Registering the same kind twice is an error.
func (r *Registry) Register(kind string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("provider %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Kinds returns the registered provider kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Resolve returns the provider for kind, constructing it on first use and
// wrapping it with the reconnect decorator.
func (r *Registry) Resolve(ctx context.Context, kind string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.instances[kind]; ok {
		return p, nil
	}

	factory, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}

	p, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider %s: %w", kind, err)
	}

	wrapped := WithReconnect(p, r.tel)
	r.instances[kind] = wrapped
	return wrapped, nil
}

// Close closes every resolved provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for kind, p := range r.instances {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", kind, err))
		}
		delete(r.instances, kind)
	}
	return errors.Join(errs...)
}
