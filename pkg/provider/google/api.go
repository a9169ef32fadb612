package google

import (
	"context"
	"fmt"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

// Purchases is the subset of the Play Developer API the provider calls.
type Purchases interface {
	GetSubscription(ctx context.Context, packageName, token string) (*androidpublisher.SubscriptionPurchaseV2, error)
	Acknowledge(ctx context.Context, packageName, productID, token string) error
}

// TokenValidator verifies the OIDC token attached to Pub/Sub push requests.
type TokenValidator func(ctx context.Context, token, audience string) error

type publisherAPI struct {
	svc *androidpublisher.Service
}

func newPublisherAPI(ctx context.Context, cfg Config) (*publisherAPI, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	svc, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create android publisher client: %w", err)
	}
	return &publisherAPI{svc: svc}, nil
}

func (a *publisherAPI) GetSubscription(ctx context.Context, packageName, token string) (*androidpublisher.SubscriptionPurchaseV2, error) {
	return a.svc.Purchases.Subscriptionsv2.Get(packageName, token).Context(ctx).Do()
}

func (a *publisherAPI) Acknowledge(ctx context.Context, packageName, productID, token string) error {
	return a.svc.Purchases.Subscriptions.Acknowledge(packageName, productID, token,
		&androidpublisher.SubscriptionPurchasesAcknowledgeRequest{},
	).Context(ctx).Do()
}

func validateIDToken(ctx context.Context, token, audience string) error {
	_, err := idtoken.Validate(ctx, token, audience)
	return err
}
