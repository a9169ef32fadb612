// Package provider defines the payment provider capability and the
// normalized events reconciliation works with.
//
// Providers come in two variants. Self-hosted providers (package stripe,
// package dummy) implement Charger: the backend initiates every charge and
// records the synchronous result. External providers (packages apple,
// google, paddle) implement PurchaseValidator and NotificationParser: the
// provider initiates charges and reports them through a user-submitted
// receipt or an unauthenticated server notification.
//
// Every provider is registered once in a Registry under its codename:
//
//	reg := provider.MustRegistry(
//		provider.WithRetry(stripeProvider),
//		appleProvider,
//		googleProvider,
//	)
//	charger, err := reg.Charger("stripe")
//
// WithRetry applies the outer retry policy. Only ErrProviderUnreachable
// failures are retried; a declined charge is a ChargeResult.
package provider
