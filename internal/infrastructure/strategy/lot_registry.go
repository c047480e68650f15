package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/erp/fiscalsync/internal/domain/shared"
)

// LotRegistry maps document families to their lot store and syncer.
// Families are fixed at startup, but registration is guarded so tests and
// operators can swap a binding at runtime.
type LotRegistry struct {
	mu       sync.RWMutex
	bindings map[fiscal.Family]*fiscal.FamilyBinding
}

// NewLotRegistry creates an empty registry
func NewLotRegistry() *LotRegistry {
	return &LotRegistry{
		bindings: make(map[fiscal.Family]*fiscal.FamilyBinding),
	}
}

// Register adds the binding for a family
func (r *LotRegistry) Register(b fiscal.FamilyBinding) error {
	if !b.Family.Valid() {
		return fmt.Errorf("%w: %q", fiscal.ErrUnknownFamily, b.Family)
	}
	if b.Store == nil || b.Syncer == nil {
		return fmt.Errorf("%w: family %s needs a store and a syncer", shared.ErrInvalidInput, b.Family)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bindings[b.Family]; exists {
		return fmt.Errorf("%w: family '%s' already registered", shared.ErrAlreadyExists, b.Family)
	}
	r.bindings[b.Family] = &b
	return nil
}

// MustRegister is Register that panics, for wiring at startup
func (r *LotRegistry) MustRegister(b fiscal.FamilyBinding) {
	if err := r.Register(b); err != nil {
		panic(err)
	}
}

// Replace installs b whether or not the family was registered
func (r *LotRegistry) Replace(b fiscal.FamilyBinding) error {
	if !b.Family.Valid() {
		return fmt.Errorf("%w: %q", fiscal.ErrUnknownFamily, b.Family)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[b.Family] = &b
	return nil
}

// Resolve returns the binding for family. Unknown or unregistered families
// return fiscal.ErrUnknownFamily.
func (r *LotRegistry) Resolve(family fiscal.Family) (*fiscal.FamilyBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[family]
	if !ok {
		return nil, fmt.Errorf("%w: %q", fiscal.ErrUnknownFamily, family)
	}
	return b, nil
}

// Families returns the registered families in code order
func (r *LotRegistry) Families() []fiscal.Family {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]fiscal.Family, 0, len(r.bindings))
	for f := range r.bindings {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var _ fiscal.LotRegistry = (*LotRegistry)(nil)
