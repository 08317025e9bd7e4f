package provider

import (
	"github.com/pkg/errors"

	"github.com/vadiminshakov/flashvault/internal/domain"
)

// Registry ordered set of adapters keyed by name.
type Registry struct {
	order    []string
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding adapters in the given order.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends an adapter.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return errors.New("nil adapter")
	}
	if _, ok := r.adapters[a.Name()]; ok {
		return errors.Errorf("adapter %q already registered", a.Name())
	}
	r.order = append(r.order, a.Name())
	r.adapters[a.Name()] = a
	return nil
}

// Get returns the adapter called name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, errors.Wrapf(domain.ErrUnknownProvider, "%q", name)
	}
	return a, nil
}

// All returns adapters in registration order.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// Names returns adapter names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	return len(r.order)
}
