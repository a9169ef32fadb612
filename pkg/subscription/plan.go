package subscription

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/period"
)

// Quota is a plan's grant template for one resource.
type Quota struct {
	Resource       string          `yaml:"resource" json:"resource"`
	Limit          int64           `yaml:"limit" json:"limit"`                                         // granted per recharge
	RechargePeriod period.Duration `yaml:"recharge_period,omitempty" json:"recharge_period,omitempty"` // zero: plan charge period
	BurnsIn        period.Duration `yaml:"burns_in,omitempty" json:"burns_in,omitempty"`               // zero: recharge period
}

// Plan describes the charge terms and quotas of a subscription.
// ID is the stable key; ProviderProducts maps a provider codename to the
// product or price identifier the provider reports for this plan.
type Plan struct {
	ID               string            `yaml:"id" json:"id"`
	Codename         string            `yaml:"codename" json:"codename"`
	Name             string            `yaml:"name" json:"name"`
	ChargeAmount     *Money            `yaml:"charge_amount,omitempty" json:"charge_amount,omitempty"`
	ChargePeriod     period.Duration   `yaml:"charge_period" json:"charge_period"` // Infinite: one-time charge
	MaxDuration      period.Duration   `yaml:"max_duration" json:"max_duration"`   // Infinite: never ends
	Quotas           []Quota           `yaml:"quotas,omitempty" json:"quotas,omitempty"`
	Tier             string            `yaml:"tier,omitempty" json:"tier,omitempty"`
	Enabled          bool              `yaml:"enabled" json:"enabled"`
	ProviderProducts map[string]string `yaml:"provider_products,omitempty" json:"provider_products,omitempty"`
	Metadata         map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Version          int64             `yaml:"-" json:"-"`
}

// Normalize fills defaults: zero charge period and max duration become
// Infinite, zero recharge periods inherit the charge period and zero burn
// lifetimes inherit the recharge period.
func (p Plan) Normalize() Plan {
	if p.ChargePeriod.IsZero() {
		p.ChargePeriod = period.Infinite
	}
	if p.MaxDuration.IsZero() {
		p.MaxDuration = period.Infinite
	}
	quotas := make([]Quota, len(p.Quotas))
	for i, q := range p.Quotas {
		if q.RechargePeriod.IsZero() {
			q.RechargePeriod = p.ChargePeriod
		}
		if q.BurnsIn.IsZero() {
			q.BurnsIn = q.RechargePeriod
		}
		quotas[i] = q
	}
	p.Quotas = quotas
	return p
}

// Clone returns a deep copy of the plan.
func (p Plan) Clone() Plan {
	if p.ChargeAmount != nil {
		amount := *p.ChargeAmount
		p.ChargeAmount = &amount
	}
	p.Quotas = slices.Clone(p.Quotas)
	p.ProviderProducts = maps.Clone(p.ProviderProducts)
	p.Metadata = maps.Clone(p.Metadata)
	return p
}

// IsRecurring reports whether the plan charges more than once.
func (p Plan) IsRecurring() bool {
	return !p.ChargePeriod.IsInfinite() && !p.ChargePeriod.IsZero()
}

// IsFree reports whether the plan has no charge amount.
func (p Plan) IsFree() bool {
	return p.ChargeAmount.IsZero()
}

// Quota returns the template for a resource.
func (p Plan) Quota(resource string) (Quota, bool) {
	for _, q := range p.Quotas {
		if q.Resource == resource {
			return q, true
		}
	}
	return Quota{}, false
}

// ProductID returns the identifier a provider uses for this plan.
func (p Plan) ProductID(provider string) string {
	return p.ProviderProducts[provider]
}

// Validate checks the plan configuration.
func (p Plan) Validate() error {
	if p.ID == "" {
		return errors.Join(ErrInvalidPlanConfiguration, errors.New("plan ID is required"))
	}
	ref := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
	if !p.ChargePeriod.IsInfinite() && !p.ChargePeriod.IsZero() && !p.ChargePeriod.AddTo(ref).After(ref) {
		return errors.Join(ErrInvalidPlanConfiguration,
			fmt.Errorf("plan %s has non-positive charge period %s", p.ID, p.ChargePeriod))
	}
	if p.ChargeAmount != nil && p.ChargeAmount.Amount < 0 {
		return errors.Join(ErrInvalidPlanConfiguration,
			fmt.Errorf("plan %s has negative charge amount", p.ID))
	}
	seen := make(map[string]struct{}, len(p.Quotas))
	for _, q := range p.Quotas {
		if q.Resource == "" {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has a quota without resource", p.ID))
		}
		if _, dup := seen[q.Resource]; dup {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has duplicated quota for %s", p.ID, q.Resource))
		}
		seen[q.Resource] = struct{}{}
		if q.Limit < 0 {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has negative limit for %s", p.ID, q.Resource))
		}
		if !q.RechargePeriod.IsInfinite() && !q.RechargePeriod.IsZero() && !q.RechargePeriod.AddTo(ref).After(ref) {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has non-positive recharge period for %s", p.ID, q.Resource))
		}
	}
	return nil
}

// FindPlanByProduct returns the plan a provider product identifier maps to.
func FindPlanByProduct(plans map[string]Plan, provider, productID string) (Plan, error) {
	for _, plan := range plans {
		if productID != "" && plan.ProductID(provider) == productID {
			return plan, nil
		}
	}
	if plan, ok := plans[productID]; ok {
		return plan, nil
	}
	return Plan{}, ErrPlanNotFound
}
