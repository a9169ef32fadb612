package subscription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// inMemSource implements PlansSource using an in-memory plan map.
type inMemSource struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewInMemSource returns an in-memory PlansSource with a deep copy of the given plans.
func NewInMemSource(plans ...Plan) PlansSource {
	s := &inMemSource{plans: make(map[string]Plan, len(plans))}
	for _, plan := range plans {
		s.plans[plan.ID] = plan.Clone()
	}
	return s
}

// Load returns a copy of all plans.
func (s *inMemSource) Load(ctx context.Context) (map[string]Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make(map[string]Plan, len(s.plans))
	for id, plan := range s.plans {
		plans[id] = plan.Clone()
	}
	return plans, nil
}

// catalog is the YAML layout of a plans file.
type catalog struct {
	Tiers []Tier `yaml:"tiers"`
	Plans []Plan `yaml:"plans"`
}

// yamlSource loads plans from a YAML document.
type yamlSource struct {
	open func() (io.ReadCloser, error)
}

// TiersSource is implemented by catalogs that also declare tiers.
type TiersSource interface {
	LoadTiers(ctx context.Context) ([]Tier, error)
}

// NewYAMLSource returns a PlansSource reading the YAML file at path on every Load.
//
//	plans:
//	  - id: pro-monthly
//	    name: Pro
//	    charge_amount: {amount: 990, currency: USD}
//	    charge_period: P1M
//	    enabled: true
//	    quotas:
//	      - resource: api_calls
//	        limit: 1000
//	        recharge_period: P1D
func NewYAMLSource(path string) PlansSource {
	return &yamlSource{open: func() (io.ReadCloser, error) { return os.Open(path) }}
}

// NewYAMLReaderSource returns a PlansSource decoding the given document.
func NewYAMLReaderSource(doc []byte) PlansSource {
	return &yamlSource{open: func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(doc)), nil
	}}
}

func (s *yamlSource) decode() (catalog, error) {
	var c catalog
	r, err := s.open()
	if err != nil {
		return c, errors.Join(ErrFailedToLoadPlans, err)
	}
	defer r.Close()

	if err := yaml.NewDecoder(r).Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return c, errors.Join(ErrFailedToLoadPlans, err)
	}
	return c, nil
}

// LoadTiers returns the tiers declared next to the plans.
func (s *yamlSource) LoadTiers(ctx context.Context) ([]Tier, error) {
	c, err := s.decode()
	if err != nil {
		return nil, err
	}
	return c.Tiers, nil
}

// Load decodes and validates the plans.
func (s *yamlSource) Load(ctx context.Context) (map[string]Plan, error) {
	c, err := s.decode()
	if err != nil {
		return nil, err
	}

	plans := make(map[string]Plan, len(c.Plans))
	for _, plan := range c.Plans {
		if err := plan.Validate(); err != nil {
			return nil, err
		}
		if _, dup := plans[plan.ID]; dup {
			return nil, errors.Join(ErrInvalidPlanConfiguration, fmt.Errorf("duplicated plan %s", plan.ID))
		}
		plans[plan.ID] = plan.Normalize()
	}
	return plans, nil
}
