package subscription

import (
	"context"
	"errors"
	"sync"
)

// DefaultPlanChangeFunc is called after the default plan changes.
// Either ID may be empty meaning "no default plan".
type DefaultPlanChangeFunc func(ctx context.Context, oldID, newID string) error

// DefaultPlan holds the configured default plan ID and notifies hooks when it
// changes. It replaces reading a global setting at arbitrary points.
type DefaultPlan struct {
	mu    sync.RWMutex
	id    string
	hooks []DefaultPlanChangeFunc
}

// NewDefaultPlan returns a holder initialized with id, which may be empty.
func NewDefaultPlan(id string) *DefaultPlan {
	return &DefaultPlan{id: id}
}

// ID returns the current default plan ID.
func (d *DefaultPlan) ID() string {
	if d == nil {
		return ""
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.id
}

// OnChange registers a hook.
func (d *DefaultPlan) OnChange(fn DefaultPlanChangeFunc) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, fn)
}

// Set changes the default plan and runs hooks in registration order.
// Setting the same value is a no-op. Hook errors are joined and returned;
// the new value is kept regardless.
func (d *DefaultPlan) Set(ctx context.Context, id string) error {
	d.mu.Lock()
	old := d.id
	if old == id {
		d.mu.Unlock()
		return nil
	}
	d.id = id
	hooks := append([]DefaultPlanChangeFunc(nil), d.hooks...)
	d.mu.Unlock()

	var errs []error
	for _, fn := range hooks {
		if err := fn(ctx, old, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
