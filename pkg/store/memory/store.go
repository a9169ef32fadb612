package memory

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

type txKey struct {
	provider string
	id       string
}

// Store is an in-process subscription.Store. Records are copied on the way
// in and out so callers never share memory with the store.
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	plans    map[string]subscription.Plan
	subs     map[uuid.UUID]subscription.Subscription
	payments map[uuid.UUID]subscription.Payment
	txIndex  map[txKey]uuid.UUID
	refunds  []subscription.Refund
	usages   map[uuid.UUID][]subscription.Usage

	subscribers []subscription.PlanChangeSubscriber

	logger *slog.Logger
	now    func() time.Time
}

var _ subscription.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report subscriber failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		plans:    make(map[string]subscription.Plan),
		subs:     make(map[uuid.UUID]subscription.Subscription),
		payments: make(map[uuid.UUID]subscription.Payment),
		txIndex:  make(map[txKey]uuid.UUID),
		usages:   make(map[uuid.UUID][]subscription.Usage),
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Plans

func (s *Store) GetPlan(_ context.Context, id string) (subscription.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.plans[id]
	if !ok {
		return subscription.Plan{}, subscription.ErrPlanNotFound
	}
	return plan.Clone(), nil
}

func (s *Store) ListPlans(_ context.Context) ([]subscription.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make([]subscription.Plan, 0, len(s.plans))
	for _, plan := range s.plans {
		plans = append(plans, plan.Clone())
	}
	slices.SortFunc(plans, func(a, b subscription.Plan) int { return cmp.Compare(a.ID, b.ID) })
	return plans, nil
}

// SavePlan implements subscription.PlanStore.
func (s *Store) SavePlan(ctx context.Context, plan subscription.Plan) error {
	change, subscribers, err := s.savePlan(plan)
	if err != nil || change.Empty() {
		return err
	}
	s.publish(ctx, subscribers, change)
	return nil
}

func (s *Store) savePlan(plan subscription.Plan) (subscription.PlanChange, []subscription.PlanChangeSubscriber, error) {
	plan = plan.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.plans[plan.ID]
	if !exists {
		if err := plan.Validate(); err != nil {
			return subscription.PlanChange{}, nil, err
		}
		plan.Version = 1
		s.plans[plan.ID] = plan
		return subscription.PlanChange{}, nil, nil
	}

	if err := subscription.ValidatePlanChange(old, plan, s.planReferenced(plan.ID)); err != nil {
		return subscription.PlanChange{}, nil, err
	}
	plan.Version = old.Version
	change := subscription.DiffPlans(old, plan)
	if change.Empty() {
		return change, nil, nil
	}
	plan.Version++
	change.New = plan.Clone()
	s.plans[plan.ID] = plan
	return change, slices.Clone(s.subscribers), nil
}

func (s *Store) SubscribePlanChanges(fn subscription.PlanChangeSubscriber) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Must be called with lock held.
func (s *Store) planReferenced(planID string) bool {
	for _, sub := range s.subs {
		if sub.PlanID == planID {
			return true
		}
	}
	for _, p := range s.payments {
		if p.PlanID == planID {
			return true
		}
	}
	return false
}

func (s *Store) publish(ctx context.Context, subscribers []subscription.PlanChangeSubscriber, change subscription.PlanChange) {
	for _, fn := range subscribers {
		if err := fn(ctx, change); err != nil {
			s.logger.ErrorContext(ctx, "plan change subscriber failed",
				logger.PlanID(change.PlanID),
				slog.Any("changed", change.Changed),
				logger.Error(err),
			)
		}
	}
}

// Subscriptions

func (s *Store) GetSubscription(_ context.Context, id uuid.UUID) (subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return subscription.Subscription{}, subscription.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Store) ListUserSubscriptions(_ context.Context, userID uuid.UUID) ([]subscription.Subscription, error) {
	return s.filterSubscriptions(func(sub subscription.Subscription) bool {
		return sub.UserID == userID
	}), nil
}

func (s *Store) ListDueForCharge(_ context.Context, since, until time.Time) ([]subscription.Subscription, error) {
	return s.filterSubscriptions(func(sub subscription.Subscription) bool {
		if !sub.AutoProlong || sub.IsExpired() {
			return false
		}
		switch sub.CurrentStatus() {
		case subscription.StatusGrace, subscription.StatusHold:
			if !sub.StatusUntil.IsZero() && !sub.StatusUntil.After(until) {
				return true
			}
		}
		due := sub.DueDate()
		return !due.Before(since) && !due.After(until)
	}), nil
}

func (s *Store) ListPlanSubscriptions(_ context.Context, planID string, endsAfter time.Time) ([]subscription.Subscription, error) {
	return s.filterSubscriptions(func(sub subscription.Subscription) bool {
		return sub.PlanID == planID && sub.End.After(endsAfter)
	}), nil
}

func (s *Store) filterSubscriptions(keep func(subscription.Subscription) bool) []subscription.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []subscription.Subscription
	for _, sub := range s.subs {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	slices.SortFunc(out, func(a, b subscription.Subscription) int {
		return cmp.Or(a.Start.Compare(b.Start), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return out
}

func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[sub.PlanID]; !ok {
		return subscription.ErrPlanNotFound
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if _, ok := s.subs[sub.ID]; ok {
		return subscription.ErrVersionConflict
	}
	now := s.now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}
	sub.Version = 1
	s.subs[sub.ID] = *sub
	return nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.subs[sub.ID]
	if !ok {
		return subscription.ErrSubscriptionNotFound
	}
	if stored.Version != sub.Version {
		return subscription.ErrVersionConflict
	}
	sub.Version++
	s.subs[sub.ID] = *sub
	return nil
}

// Payments

func (s *Store) GetPayment(_ context.Context, id uuid.UUID) (subscription.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return subscription.Payment{}, subscription.ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (s *Store) FindPayment(_ context.Context, provider, transactionID string) (subscription.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.txIndex[txKey{provider, transactionID}]
	if !ok {
		return subscription.Payment{}, subscription.ErrPaymentNotFound
	}
	return s.payments[id].Clone(), nil
}

func (s *Store) FindChainHead(_ context.Context, provider, originalTransactionID string) (subscription.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var head *subscription.Payment
	for _, p := range s.payments {
		if p.ProviderCodename != provider {
			continue
		}
		if p.OriginalTransactionID != originalTransactionID && p.ProviderTransactionID != originalTransactionID {
			continue
		}
		if head == nil || paymentBefore(p, *head) {
			head = &p
		}
	}
	if head == nil {
		return subscription.Payment{}, subscription.ErrPaymentNotFound
	}
	return head.Clone(), nil
}

func (s *Store) ListPayments(_ context.Context, f subscription.PaymentFilter) ([]subscription.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []subscription.Payment
	for _, p := range s.payments {
		if matchPayment(f, p) {
			out = append(out, p.Clone())
		}
	}
	slices.SortFunc(out, func(a, b subscription.Payment) int {
		if paymentBefore(a, b) {
			return -1
		}
		if paymentBefore(b, a) {
			return 1
		}
		return 0
	})
	return out, nil
}

func matchPayment(f subscription.PaymentFilter, p subscription.Payment) bool {
	switch {
	case f.UserID != uuid.Nil && p.UserID != f.UserID:
		return false
	case f.SubscriptionID != uuid.Nil && p.SubscriptionID != f.SubscriptionID:
		return false
	case f.Provider != "" && p.ProviderCodename != f.Provider:
		return false
	case len(f.Statuses) > 0 && !slices.Contains(f.Statuses, p.Status):
		return false
	case !f.CreatedAfter.IsZero() && !p.CreatedAt.After(f.CreatedAfter):
		return false
	case !f.CreatedBefore.IsZero() && !p.CreatedAt.Before(f.CreatedBefore):
		return false
	}
	return true
}

func paymentBefore(a, b subscription.Payment) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// CreatePayment implements subscription.PaymentStore. Like the foreign keys
// of the SQL schema, the plan and the subscription must exist.
func (s *Store) CreatePayment(_ context.Context, p *subscription.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[p.PlanID]; !ok {
		return subscription.ErrPlanNotFound
	}
	if p.SubscriptionID != uuid.Nil {
		if _, ok := s.subs[p.SubscriptionID]; !ok {
			return subscription.ErrSubscriptionNotFound
		}
	}

	key := txKey{p.ProviderCodename, p.ProviderTransactionID}
	if p.ProviderTransactionID != "" {
		if _, ok := s.txIndex[key]; ok {
			return subscription.ErrDuplicateTransaction
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.Version = 1

	s.payments[p.ID] = p.Clone()
	if p.ProviderTransactionID != "" {
		s.txIndex[key] = p.ID
	}
	return nil
}

func (s *Store) UpdatePayment(_ context.Context, p *subscription.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.payments[p.ID]
	if !ok {
		return subscription.ErrPaymentNotFound
	}
	if stored.Version != p.Version {
		return subscription.ErrVersionConflict
	}

	oldKey := txKey{stored.ProviderCodename, stored.ProviderTransactionID}
	newKey := txKey{p.ProviderCodename, p.ProviderTransactionID}
	if oldKey != newKey && p.ProviderTransactionID != "" {
		if _, taken := s.txIndex[newKey]; taken {
			return subscription.ErrDuplicateTransaction
		}
	}

	p.Version++
	p.UpdatedAt = s.now()
	s.payments[p.ID] = p.Clone()
	if oldKey != newKey {
		delete(s.txIndex, oldKey)
		if p.ProviderTransactionID != "" {
			s.txIndex[newKey] = p.ID
		}
	}
	return nil
}

func (s *Store) CreateRefund(_ context.Context, r *subscription.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[r.PaymentID]; !ok {
		return subscription.ErrPaymentNotFound
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	refund := *r
	if r.Amount != nil {
		amount := *r.Amount
		refund.Amount = &amount
	}
	s.refunds = append(s.refunds, refund)
	return nil
}

func (s *Store) ListRefunds(_ context.Context, paymentID uuid.UUID) ([]subscription.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []subscription.Refund
	for _, r := range s.refunds {
		if r.PaymentID == paymentID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Usages

func (s *Store) ListUsages(_ context.Context, userID uuid.UUID, since, until time.Time) ([]subscription.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []subscription.Usage
	for _, u := range s.usages[userID] {
		if !since.IsZero() && u.At.Before(since) {
			continue
		}
		if !until.IsZero() && u.At.After(until) {
			continue
		}
		out = append(out, u)
	}
	slices.SortStableFunc(out, func(a, b subscription.Usage) int { return a.At.Compare(b.At) })
	return out, nil
}

func (s *Store) CreateUsage(_ context.Context, u *subscription.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.At.IsZero() {
		u.At = s.now()
	}
	s.usages[u.UserID] = append(s.usages[u.UserID], *u)
	return nil
}

// Transactions

// InTx implements subscription.TxStore. Transactions are serialized and roll
// back by restoring a snapshot taken at the start, so writes made outside
// InTx while a transaction runs are lost when it fails.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx subscription.Store) error) error {
	s.txMu.Lock()
	snap := s.snapshot()
	tx := &txStore{Store: s}
	err := fn(ctx, tx)
	if err != nil {
		s.restore(snap)
	}
	s.txMu.Unlock()
	if err != nil {
		return err
	}

	s.mu.RLock()
	subscribers := slices.Clone(s.subscribers)
	s.mu.RUnlock()
	for _, change := range tx.changes {
		s.publish(ctx, subscribers, change)
	}
	return nil
}

type snapshot struct {
	plans    map[string]subscription.Plan
	subs     map[uuid.UUID]subscription.Subscription
	payments map[uuid.UUID]subscription.Payment
	txIndex  map[txKey]uuid.UUID
	refunds  []subscription.Refund
	usages   map[uuid.UUID][]subscription.Usage
}

// Stored records are replaced on write, never mutated, so shallow copies
// of the maps are enough.
func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usages := make(map[uuid.UUID][]subscription.Usage, len(s.usages))
	for id, list := range s.usages {
		usages[id] = slices.Clone(list)
	}
	return snapshot{
		plans:    maps.Clone(s.plans),
		subs:     maps.Clone(s.subs),
		payments: maps.Clone(s.payments),
		txIndex:  maps.Clone(s.txIndex),
		refunds:  slices.Clone(s.refunds),
		usages:   usages,
	}
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.plans = snap.plans
	s.subs = snap.subs
	s.payments = snap.payments
	s.txIndex = snap.txIndex
	s.refunds = snap.refunds
	s.usages = snap.usages
}

// txStore is the store handed to InTx callbacks. Plan changes are held back
// until the outer transaction commits.
type txStore struct {
	*Store
	changes []subscription.PlanChange
}

func (t *txStore) SavePlan(_ context.Context, plan subscription.Plan) error {
	change, _, err := t.savePlan(plan)
	if err != nil || change.Empty() {
		return err
	}
	t.changes = append(t.changes, change)
	return nil
}

// InTx joins the running transaction.
func (t *txStore) InTx(ctx context.Context, fn func(ctx context.Context, tx subscription.Store) error) error {
	return fn(ctx, t)
}
