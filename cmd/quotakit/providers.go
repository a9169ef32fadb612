package main

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/quotakit/pkg/config"
	"github.com/dmitrymomot/quotakit/pkg/provider"
	"github.com/dmitrymomot/quotakit/pkg/provider/apple"
	"github.com/dmitrymomot/quotakit/pkg/provider/dummy"
	"github.com/dmitrymomot/quotakit/pkg/provider/google"
	"github.com/dmitrymomot/quotakit/pkg/provider/paddle"
	"github.com/dmitrymomot/quotakit/pkg/provider/stripe"
)

// loadProviders builds the registry from the enabled codenames. Provider
// configs are only read for enabled providers.
func loadProviders(ctx context.Context, codenames []string) (*provider.Registry, error) {
	providers := make([]provider.Provider, 0, len(codenames))
	for _, codename := range codenames {
		p, err := newProvider(ctx, codename)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", codename, err)
		}
		providers = append(providers, p)
	}
	return provider.NewRegistry(providers...)
}

func newProvider(ctx context.Context, codename string) (provider.Provider, error) {
	switch codename {
	case stripe.Codename:
		cfg, err := config.Load[stripe.Config]()
		if err != nil {
			return nil, err
		}
		return stripe.New(cfg), nil
	case paddle.Codename:
		cfg, err := config.Load[paddle.Config]()
		if err != nil {
			return nil, err
		}
		p, err := paddle.New(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case apple.Codename:
		cfg, err := config.Load[apple.Config]()
		if err != nil {
			return nil, err
		}
		p, err := apple.New(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case google.Codename:
		cfg, err := config.Load[google.Config]()
		if err != nil {
			return nil, err
		}
		p, err := google.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case dummy.Codename:
		return dummy.New(), nil
	default:
		return nil, provider.ErrUnknownProvider
	}
}
