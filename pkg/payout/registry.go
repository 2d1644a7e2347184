package payout

import (
	"sort"
	"sync"

	"github.com/paradigm-parametric/parametric-mvp/pkg/fault"
)

// Registry resolves engine references held by the pool. Engines are registered at
// startup; the pool only stores the reference string.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry returns a registry holding the given engines.
func NewRegistry(engines ...*Engine) (*Registry, error) {
	r := &Registry{engines: make(map[string]*Engine)}
	for _, e := range engines {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an engine. References are unique.
func (r *Registry) Register(e *Engine) error {
	if e == nil {
		return fault.New(fault.KindInvalidConfig, "register", "nil engine")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[e.Ref()]; exists {
		return fault.New(fault.KindInvalidConfig, "register", "engine %q already registered", e.Ref())
	}
	r.engines[e.Ref()] = e
	return nil
}

// Lookup returns the engine registered under ref.
func (r *Registry) Lookup(ref string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[ref]
	return e, ok
}

// Refs lists registered references in order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.engines))
	for ref := range r.engines {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
