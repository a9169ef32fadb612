package provider

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Registry maps codenames to providers. It is built once at startup and
// read-only afterwards.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry registers providers, rejecting empty and duplicate codenames.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		codename := p.Codename()
		if codename == "" {
			return nil, errors.Join(ErrUnknownProvider, errors.New("empty codename"))
		}
		if _, ok := r.providers[codename]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProvider, codename)
		}
		r.providers[codename] = p
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on error.
func MustRegistry(providers ...Provider) *Registry {
	r, err := NewRegistry(providers...)
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the provider registered under codename.
func (r *Registry) Get(codename string) (Provider, error) {
	p, ok := r.providers[codename]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, codename)
	}
	return p, nil
}

// Codenames lists registered codenames in sorted order.
func (r *Registry) Codenames() []string {
	return slices.Sorted(maps.Keys(r.providers))
}

func (r *Registry) Charger(codename string) (Charger, error) {
	return capability[Charger](r, codename)
}

func (r *Registry) PurchaseValidator(codename string) (PurchaseValidator, error) {
	return capability[PurchaseValidator](r, codename)
}

func (r *Registry) NotificationParser(codename string) (NotificationParser, error) {
	return capability[NotificationParser](r, codename)
}

func (r *Registry) PaymentChecker(codename string) (PaymentChecker, error) {
	return capability[PaymentChecker](r, codename)
}

func capability[T Provider](r *Registry, codename string) (T, error) {
	var zero T
	p, err := r.Get(codename)
	if err != nil {
		return zero, err
	}
	c, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotSupported, codename)
	}
	return c, nil
}
