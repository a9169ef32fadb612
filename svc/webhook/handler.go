package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/limits"
	"github.com/dmitrymomot/quotakit/pkg/lock"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/metrics"
	"github.com/dmitrymomot/quotakit/pkg/ratelimiter"
	"github.com/dmitrymomot/quotakit/pkg/reconcile"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// UserResolver returns the authenticated user of a request.
type UserResolver func(r *http.Request) (uuid.UUID, error)

// Handler exposes reconciliation and quota accounting over HTTP.
type Handler struct {
	reconciler reconcile.Service
	limits     limits.Service
	users      UserResolver
	metrics    *metrics.Collector
	checks     []func(context.Context) error
	logger     *slog.Logger
	maxBody    int64
	limiter    *ratelimiter.Bucket
	limitKey   ratelimiter.KeyFunc
	defaults   subscription.Service
	locker     lock.Locker
	now        func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithUserResolver replaces subscription.UserIDContextResolver.
func WithUserResolver(fn UserResolver) Option {
	return func(h *Handler) {
		if fn != nil {
			h.users = fn
		}
	}
}

// WithMetrics mounts GET /metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithReadinessChecks sets the checks of GET /readyz.
func WithReadinessChecks(checks ...func(context.Context) error) Option {
	return func(h *Handler) {
		h.checks = append(h.checks, checks...)
	}
}

// WithMaxBodySize bounds request payloads. Default is 1 MiB.
func WithMaxBodySize(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithRateLimit throttles the user routes per key. Default key is the
// client address.
func WithRateLimit(b *ratelimiter.Bucket, key ratelimiter.KeyFunc) Option {
	return func(h *Handler) {
		h.limiter = b
		if key != nil {
			h.limitKey = key
		}
	}
}

// WithDefaultPlan gives users without a running subscription the default
// plan before their quota is read or used. The locker serializes creation
// per user.
func WithDefaultPlan(subs subscription.Service, locker lock.Locker) Option {
	return func(h *Handler) {
		h.defaults = subs
		h.locker = locker
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler panics if reconciler or limits is nil.
func NewHandler(reconciler reconcile.Service, lim limits.Service, opts ...Option) *Handler {
	if reconciler == nil {
		panic("webhook: reconcile service is required")
	}
	if lim == nil {
		panic("webhook: limits service is required")
	}
	h := &Handler{
		reconciler: reconciler,
		limits:     lim,
		users:      subscription.UserIDContextResolver,
		logger:     slog.Default(),
		maxBody:    1 << 20,
		limitKey:   ratelimiter.ByIP,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.defaults != nil && h.locker == nil {
		panic("webhook: default plan requires a locker")
	}
	return h
}

// Routes returns the router. User routes expect authentication middleware
// to run before them, either mounted around the router or through the
// resolver.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", h.health(nil))
	r.Get("/readyz", h.health(h.checks))
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Post("/webhooks/{provider}", h.notification)
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(ratelimiter.Middleware(h.limiter, h.limitKey, func(w http.ResponseWriter, r *http.Request, err error) {
				h.fail(w, r, err)
			}))
		}
		r.Post("/purchases/{provider}", h.purchase)
		r.Get("/quota", h.quota)
		r.Post("/usage/{resource}", h.use)
	})
	return r
}

// ResultResponse is the body returned for processed provider events.
type ResultResponse struct {
	Outcome        reconcile.Outcome `json:"outcome"`
	PaymentID      *uuid.UUID        `json:"payment_id,omitempty"`
	SubscriptionID *uuid.UUID        `json:"subscription_id,omitempty"`
	PlanID         string            `json:"plan_id,omitempty"`
	ActiveUntil    *time.Time        `json:"active_until,omitempty"`
}

// QuotaResponse is the body of GET /quota.
type QuotaResponse struct {
	Remaining map[string]int64     `json:"remaining"`
	RefreshAt map[string]time.Time `json:"refresh_at,omitempty"`
}

// UseRequest is the body of POST /usage/{resource}.
type UseRequest struct {
	Amount int64 `json:"amount"`
}

// UseResponse is the body returned after consumption.
type UseResponse struct {
	Resource  string `json:"resource"`
	Remaining int64  `json:"remaining"`
}

func (h *Handler) notification(w http.ResponseWriter, r *http.Request) {
	codename := chi.URLParam(r, "provider")
	r = r.WithContext(logger.ContextWithAttrs(r.Context(), logger.Provider(codename)))
	payload, err := h.body(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.reconciler.HandleNotification(r.Context(), codename, payload, r.Header)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.json(w, r, http.StatusOK, toResultResponse(res))
}

func (h *Handler) purchase(w http.ResponseWriter, r *http.Request) {
	userID, err := h.user(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	codename := chi.URLParam(r, "provider")
	r = r.WithContext(logger.ContextWithAttrs(r.Context(), logger.Provider(codename), logger.UserID(userID)))
	payload, err := h.body(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.reconciler.ConfirmPurchase(r.Context(), codename, userID, payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == reconcile.OutcomeCreated || res.Outcome == reconcile.OutcomeSwitched {
		status = http.StatusCreated
	}
	h.json(w, r, status, toResultResponse(res))
}

func (h *Handler) quota(w http.ResponseWriter, r *http.Request) {
	userID, err := h.consumer(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	remaining, err := h.limits.Remaining(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err, logger.UserID(userID))
		return
	}
	refresh, err := h.limits.RefreshMoments(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err, logger.UserID(userID))
		return
	}
	h.json(w, r, http.StatusOK, QuotaResponse{Remaining: remaining, RefreshAt: refresh})
}

func (h *Handler) use(w http.ResponseWriter, r *http.Request) {
	userID, err := h.consumer(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resource := chi.URLParam(r, "resource")
	payload, err := h.body(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req UseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.fail(w, r, errors.Join(ErrInvalidRequest, err))
		return
	}

	var remains int64
	err = h.limits.Use(r.Context(), userID, resource, req.Amount, func(_ context.Context, left int64) error {
		remains = left
		return nil
	})
	if err != nil {
		h.fail(w, r, err, logger.UserID(userID), logger.Resource(resource))
		return
	}
	h.json(w, r, http.StatusOK, UseResponse{Resource: resource, Remaining: remains})
}

func (h *Handler) health(checks []func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			if err := check(r.Context()); err != nil {
				h.logger.ErrorContext(r.Context(), "readiness check failed", logger.Error(err))
				h.json(w, r, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
				return
			}
		}
		h.json(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// DefaultLockKey serializes default subscription creation for a user.
func DefaultLockKey(userID uuid.UUID) string {
	return "subscription.default." + userID.String()
}

func (h *Handler) ensureDefault(ctx context.Context, userID uuid.UUID) error {
	if h.defaults == nil {
		return nil
	}
	var created *subscription.Subscription
	err := lock.With(ctx, h.locker, DefaultLockKey(userID), time.Second, func(ctx context.Context) error {
		var err error
		created, err = h.defaults.EnsureDefault(ctx, userID, h.now())
		return err
	})
	if errors.Is(err, subscription.ErrNoDefaultPlan) {
		return nil
	}
	if err != nil {
		return err
	}
	if created != nil {
		h.limits.Invalidate(ctx, userID)
	}
	return nil
}

// consumer resolves the user of a quota route and makes sure the default
// plan covers them.
func (h *Handler) consumer(r *http.Request) (uuid.UUID, error) {
	userID, err := h.user(r)
	if err != nil {
		return uuid.Nil, err
	}
	if err := h.ensureDefault(r.Context(), userID); err != nil {
		return uuid.Nil, err
	}
	return userID, nil
}

func (h *Handler) user(r *http.Request) (uuid.UUID, error) {
	id, err := h.users(r)
	if err != nil {
		return uuid.Nil, errors.Join(ErrUnauthorized, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, ErrUnauthorized
	}
	return id, nil
}

func (h *Handler) body(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrPayloadTooLarge
		}
		return nil, errors.Join(ErrInvalidRequest, err)
	}
	return payload, nil
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, attrs ...any) {
	status := statusFor(err)
	args := append([]any{slog.Int("status", status), slog.String("path", r.URL.Path), logger.Error(err)}, attrs...)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", args...)
	} else {
		h.logger.WarnContext(r.Context(), "request rejected", args...)
	}
	h.json(w, r, status, errorResponse{
		Error:     http.StatusText(status),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func (h *Handler) json(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write response", logger.Error(err))
	}
}

func toResultResponse(res *reconcile.Result) ResultResponse {
	out := ResultResponse{Outcome: res.Outcome}
	if res.Payment != nil {
		id := res.Payment.ID
		out.PaymentID = &id
	}
	if res.Subscription != nil {
		id, end := res.Subscription.ID, res.Subscription.End
		out.SubscriptionID = &id
		out.PlanID = res.Subscription.PlanID
		out.ActiveUntil = &end
	}
	return out
}
