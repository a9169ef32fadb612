package limits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/cache"
	"github.com/dmitrymomot/quotakit/pkg/lock"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/metrics"
	"github.com/dmitrymomot/quotakit/pkg/quota"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// UseFunc runs while the user's consumption lock is held. remains is the
// balance of the resource after the decrement.
type UseFunc func(ctx context.Context, remains int64) error

// Service accounts resource consumption against the quota chunks of a
// user's subscriptions.
type Service interface {
	// Remaining returns the balance per resource for display. It may be
	// served from cache and must not be used for authorization.
	Remaining(ctx context.Context, userID uuid.UUID) (map[string]int64, error)

	// RemainingAt computes the balance per resource at the moment.
	RemainingAt(ctx context.Context, userID uuid.UUID, at time.Time) (map[string]int64, error)

	// Use consumes amount of resource and runs fn with the remaining
	// balance. The check and the decrement are serialized per user across
	// processes. A failing fn does not restore the consumed amount.
	Use(ctx context.Context, userID uuid.UUID, resource string, amount int64, fn UseFunc) error

	// RefreshMoments returns when each resource is next recharged.
	RefreshMoments(ctx context.Context, userID uuid.UUID) (map[string]time.Time, error)

	// Features returns the merged features of the user's active tiers.
	Features(ctx context.Context, userID uuid.UUID) ([]subscription.Feature, error)
	HasFeature(ctx context.Context, userID uuid.UUID, codename string) (bool, error)

	// Invalidate drops the cached display balance of the user.
	Invalidate(ctx context.Context, userID uuid.UUID)
}

// Store is the persistence the accounting service reads and writes.
type Store interface {
	GetPlan(ctx context.Context, id string) (subscription.Plan, error)
	ListUserSubscriptions(ctx context.Context, userID uuid.UUID) ([]subscription.Subscription, error)
	ListUsages(ctx context.Context, userID uuid.UUID, since, until time.Time) ([]subscription.Usage, error)
	CreateUsage(ctx context.Context, u *subscription.Usage) error
}

type service struct {
	store       Store
	locker      lock.Locker
	cache       cache.Cache
	tiers       []subscription.Tier
	metrics     *metrics.Collector
	logger      *slog.Logger
	now         func() time.Time
	lockWait    time.Duration
	cacheTTL    time.Duration
	cachePrefix string
}

// NewService creates the accounting service.
// Panics if store or locker is nil to fail fast during initialization.
func NewService(store Store, locker lock.Locker, opts ...ServiceOption) Service {
	if store == nil {
		panic("limits: Store is required")
	}
	if locker == nil {
		panic("limits: Locker is required")
	}

	s := &service{
		store:       store,
		locker:      locker,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		lockWait:    5 * time.Second,
		cacheTTL:    10 * time.Second,
		cachePrefix: "limits.remaining.",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LockKey is the lock serializing consumption of a user.
func LockKey(userID uuid.UUID) string {
	return "limits.use." + userID.String()
}

func (s *service) Remaining(ctx context.Context, userID uuid.UUID) (map[string]int64, error) {
	if s.cache == nil {
		return s.RemainingAt(ctx, userID, s.now())
	}

	key := s.cachePrefix + userID.String()
	raw, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		var remaining map[string]int64
		if err := json.Unmarshal(raw, &remaining); err == nil {
			return remaining, nil
		}
		s.logger.WarnContext(ctx, "dropping malformed cached balance", logger.UserID(userID))
	case !errors.Is(err, cache.ErrCacheMiss):
		s.logger.WarnContext(ctx, "balance cache unavailable",
			logger.UserID(userID),
			logger.Error(err),
		)
	}

	remaining, err := s.RemainingAt(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(remaining); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
			s.logger.WarnContext(ctx, "failed to cache balance",
				logger.UserID(userID),
				logger.Error(err),
			)
		}
	}
	return remaining, nil
}

func (s *service) RemainingAt(ctx context.Context, userID uuid.UUID, at time.Time) (map[string]int64, error) {
	l, err := s.ledger(ctx, userID, at)
	if err != nil {
		return nil, err
	}
	return l.Remaining(at), nil
}

func (s *service) Use(ctx context.Context, userID uuid.UUID, resource string, amount int64, fn UseFunc) error {
	if amount <= 0 {
		return quota.ErrInvalidAmount
	}

	release, err := s.locker.Acquire(ctx, LockKey(userID), s.lockWait)
	if err != nil {
		s.metrics.ResourceUsed(resource, "lock_timeout")
		return err
	}
	defer release()

	now := s.now()
	l, err := s.ledger(ctx, userID, now)
	if err != nil {
		s.metrics.ResourceUsed(resource, "error")
		return err
	}

	remains, err := l.Decrement(resource, amount, now)
	if err != nil {
		s.metrics.ResourceUsed(resource, "exceeded")
		s.logger.InfoContext(ctx, "quota limit exceeded",
			logger.UserID(userID),
			logger.Resource(resource),
			slog.Int64("amount", amount),
		)
		return err
	}

	usage := &subscription.Usage{
		ID:       uuid.New(),
		UserID:   userID,
		Resource: resource,
		Amount:   amount,
		At:       now,
	}
	if err := s.store.CreateUsage(ctx, usage); err != nil {
		s.metrics.ResourceUsed(resource, "error")
		return errors.Join(ErrFailedToRecordUsage, err)
	}
	s.metrics.ResourceUsed(resource, "ok")
	s.Invalidate(ctx, userID)

	if fn == nil {
		return nil
	}
	return fn(ctx, remains)
}

func (s *service) Invalidate(ctx context.Context, userID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, s.cachePrefix+userID.String()); err != nil {
		s.logger.WarnContext(ctx, "failed to invalidate cached balance",
			logger.UserID(userID),
			logger.Error(err),
		)
	}
}

func (s *service) RefreshMoments(ctx context.Context, userID uuid.UUID) (map[string]time.Time, error) {
	now := s.now()
	involved, plans, err := s.involved(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	moments := make(map[string]time.Time)
	for _, sub := range involved {
		for resource, at := range subscription.NewTimeline(plans[sub.PlanID], sub).RefreshMoments(now) {
			if cur, ok := moments[resource]; !ok || at.Before(cur) {
				moments[resource] = at
			}
		}
	}
	return moments, nil
}

func (s *service) Features(ctx context.Context, userID uuid.UUID) ([]subscription.Feature, error) {
	now := s.now()
	subs, err := s.store.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return nil, errors.Join(ErrFailedToComputeRemaining, err)
	}
	active := subscription.Active(subs, now)
	if len(active) == 0 {
		return subscription.DefaultFeatures(s.tiers), nil
	}

	var sets [][]subscription.Feature
	for _, sub := range active {
		plan, err := s.store.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return nil, err
		}
		idx := slices.IndexFunc(s.tiers, func(t subscription.Tier) bool { return t.Codename == plan.Tier })
		if idx < 0 {
			sets = append(sets, nil)
			continue
		}
		sets = append(sets, s.tiers[idx].Features)
	}
	return subscription.MergeFeatures(sets...), nil
}

func (s *service) HasFeature(ctx context.Context, userID uuid.UUID, codename string) (bool, error) {
	features, err := s.Features(ctx, userID)
	if err != nil {
		return false, err
	}
	return subscription.HasFeature(features, codename), nil
}

func (s *service) involved(ctx context.Context, userID uuid.UUID, at time.Time) ([]subscription.Subscription, map[string]subscription.Plan, error) {
	subs, err := s.store.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return nil, nil, errors.Join(ErrFailedToComputeRemaining, err)
	}
	involved := subscription.Involved(subs, at)

	plans := make(map[string]subscription.Plan, len(involved))
	for _, sub := range involved {
		if _, ok := plans[sub.PlanID]; ok {
			continue
		}
		plan, err := s.store.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return nil, nil, errors.Join(ErrFailedToComputeRemaining, fmt.Errorf("plan %s: %w", sub.PlanID, err))
		}
		plans[sub.PlanID] = plan
	}
	return involved, plans, nil
}

// ledger replays the user's usage since the first chunk of the subscriptions
// covering at without a gap.
func (s *service) ledger(ctx context.Context, userID uuid.UUID, at time.Time) (*quota.Ledger, error) {
	involved, plans, err := s.involved(ctx, userID, at)
	if err != nil {
		return nil, err
	}

	var chunks []quota.Chunk
	for _, sub := range involved {
		chunks = slices.AppendSeq(chunks, subscription.NewTimeline(plans[sub.PlanID], sub).QuotaChunks(time.Time{}, at))
	}
	if len(chunks) == 0 {
		return quota.NewLedger(nil), nil
	}

	since := chunks[0].Start
	for _, c := range chunks[1:] {
		if c.Start.Before(since) {
			since = c.Start
		}
	}

	usages, err := s.store.ListUsages(ctx, userID, since, at)
	if err != nil {
		return nil, errors.Join(ErrFailedToComputeRemaining, err)
	}

	l := quota.NewLedger(chunks)
	for _, u := range usages {
		if over := l.Apply(quota.Usage{Resource: u.Resource, Amount: u.Amount, At: u.At}); over > 0 {
			s.logger.WarnContext(ctx, "recorded usage exceeds granted quota",
				logger.UserID(userID),
				logger.Resource(u.Resource),
				slog.Int64("overused", over),
				slog.Time("at", u.At),
			)
		}
	}
	return l, nil
}
