package platform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/facts"
	"github.com/openfroyo/p4converge/pkg/hostexec"
)

// Factory builds an adapter bound to a runner.
type Factory func(runner hostexec.Runner) engine.PlatformAdapter

// Registry maps OS family identifiers to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the supported families.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(facts.FamilyDebian, func(runner hostexec.Runner) engine.PlatformAdapter {
		return NewAdapter(facts.FamilyDebian, runner, NewApt(runner))
	})
	r.MustRegister(facts.FamilyRedHat, func(runner hostexec.Runner) engine.PlatformAdapter {
		return NewAdapter(facts.FamilyRedHat, runner, NewDnf(runner))
	})
	r.MustRegister(facts.FamilySuSE, func(runner hostexec.Runner) engine.PlatformAdapter {
		return NewAdapter(facts.FamilySuSE, runner, NewZypper(runner))
	})
	return r
}

// Register adds a factory for family.
func (r *Registry) Register(family string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if family == "" || f == nil {
		return fmt.Errorf("family and factory are required")
	}
	if _, exists := r.factories[family]; exists {
		return fmt.Errorf("platform %s already registered", family)
	}
	r.factories[family] = f
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(family string, f Factory) {
	if err := r.Register(family, f); err != nil {
		panic(err)
	}
}

// Lookup returns the adapter for family. An unknown family is a fatal
// UnsupportedPlatformError; nothing is built or run in that case.
func (r *Registry) Lookup(family string, runner hostexec.Runner) (engine.PlatformAdapter, error) {
	r.mu.RLock()
	f, ok := r.factories[family]
	r.mu.RUnlock()

	if !ok {
		return nil, engine.NewUnsupportedPlatformError(family).
			WithDetail("supported", r.Families())
	}
	return f(runner), nil
}

// Families returns the registered families in sorted order.
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
