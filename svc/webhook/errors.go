package webhook

import (
	"errors"
	"net/http"

	"github.com/dmitrymomot/quotakit/pkg/lock"
	"github.com/dmitrymomot/quotakit/pkg/provider"
	"github.com/dmitrymomot/quotakit/pkg/quota"
	"github.com/dmitrymomot/quotakit/pkg/ratelimiter"
	"github.com/dmitrymomot/quotakit/pkg/reconcile"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

var (
	ErrUnauthorized    = errors.New("webhook: user is not authenticated")
	ErrPayloadTooLarge = errors.New("webhook: payload too large")
	ErrInvalidRequest  = errors.New("webhook: invalid request")
)

// statusFor maps domain errors to response codes. Providers retry
// notifications answered with 5xx, so only transient failures map there.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, subscription.ErrUserIDNotInContext):
		return http.StatusUnauthorized
	case errors.Is(err, provider.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, provider.ErrUserMismatch):
		return http.StatusForbidden
	case errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, provider.ErrNotSupported):
		return http.StatusNotFound
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, provider.ErrInvalidPayload),
		errors.Is(err, reconcile.ErrInvalidEvent),
		errors.Is(err, quota.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, reconcile.ErrUnknownProduct), errors.Is(err, subscription.ErrPlanDisabled):
		return http.StatusUnprocessableEntity
	case errors.Is(err, quota.ErrQuotaLimitExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, lock.ErrLockTimeout):
		return http.StatusConflict
	case errors.Is(err, ratelimiter.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, provider.ErrProviderUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, ratelimiter.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
