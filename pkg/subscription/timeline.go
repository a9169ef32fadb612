package subscription

import (
	"iter"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/period"
	"github.com/dmitrymomot/quotakit/pkg/quota"
)

// Timeline derives charge dates, expiry and quota chunks from a plan and a
// subscription. It is a pure value: every sequence is re-derived from its
// inputs and can be iterated any number of times.
type Timeline struct {
	plan Plan
	sub  Subscription
}

// NewTimeline returns the timeline of sub under plan. The plan is normalized.
func NewTimeline(plan Plan, sub Subscription) Timeline {
	return Timeline{plan: plan.Normalize(), sub: sub}
}

// FirstChargeDate is start + charge offset.
func (t Timeline) FirstChargeDate() time.Time {
	return t.sub.ChargeOffset.AddTo(t.sub.Start)
}

// chargeDate returns the i-th charge date and whether it exists.
func (t Timeline) chargeDate(i int) (time.Time, bool) {
	if i > 0 && t.plan.ChargePeriod.IsInfinite() {
		return time.Time{}, false
	}
	d := t.plan.ChargePeriod.Mul(i).AddTo(t.FirstChargeDate())
	if i > 0 && !d.Before(period.MaxTime) {
		return time.Time{}, false
	}
	return d, true
}

// ChargeDates yields charge dates within [since, until], first charge
// included. Zero since means subscription start; zero until means unbounded.
// An infinite charge period yields exactly one date.
func (t Timeline) ChargeDates(since, until time.Time) iter.Seq[time.Time] {
	if since.IsZero() {
		since = t.sub.Start
	}
	return func(yield func(time.Time) bool) {
		var prev time.Time
		for i := 0; ; i++ {
			d, ok := t.chargeDate(i)
			if !ok || (i > 0 && !d.After(prev)) {
				return
			}
			prev = d
			if d.Before(since) {
				continue
			}
			if !until.IsZero() && d.After(until) {
				return
			}
			if !yield(d) {
				return
			}
		}
	}
}

// NextChargeAfter returns the first charge date strictly after at.
func (t Timeline) NextChargeAfter(at time.Time) (time.Time, bool) {
	for d := range t.ChargeDates(at, time.Time{}) {
		if d.After(at) {
			return d, true
		}
	}
	return time.Time{}, false
}

// MaxEnd is start + plan max duration.
func (t Timeline) MaxEnd() time.Time {
	return t.plan.MaxDuration.AddTo(t.sub.Start)
}

// InitialEnd is the end of a freshly created subscription: the first charge
// date after start, capped at MaxEnd. With a trial offset this is the end of
// the trial.
func (t Timeline) InitialEnd() time.Time {
	end, ok := t.NextChargeAfter(t.sub.Start)
	if !ok {
		end = period.MaxTime
	}
	return minTime(end, t.MaxEnd())
}

// Prolong returns the end the subscription reaches after one more paid
// period: the next uncovered charge date, capped at MaxEnd.
func (t Timeline) Prolong() (time.Time, error) {
	end := t.sub.End
	next, ok := t.NextChargeAfter(end)
	if !ok {
		return time.Time{}, ErrProlongationImpossible
	}

	maxEnd := t.MaxEnd()
	if next.After(maxEnd) {
		if !end.Before(maxEnd) {
			return time.Time{}, ErrProlongationImpossible
		}
		next = maxEnd
	}
	return next, nil
}

// QuotaChunks yields the chunks of every quota of the plan that are still
// valid after since and granted no later than until, ordered by start and
// then end. Zero since and until mean unbounded.
func (t Timeline) QuotaChunks(since, until time.Time) iter.Seq[quota.Chunk] {
	seqs := make([]iter.Seq[quota.Chunk], 0, len(t.plan.Quotas))
	for _, q := range t.plan.Quotas {
		seqs = append(seqs, t.quotaChunks(q, since, until))
	}
	return mergeChunks(seqs...)
}

func (t Timeline) quotaChunks(q Quota, since, until time.Time) iter.Seq[quota.Chunk] {
	start := t.sub.Start
	amount := q.Limit * t.sub.Units()
	base := t.FirstChargeDate()

	build := func(n int, from, to time.Time) quota.Chunk {
		return quota.Chunk{
			ID:             quota.ChunkID(t.sub.ID, q.Resource, n),
			SubscriptionID: t.sub.ID,
			Resource:       q.Resource,
			Start:          from,
			End:            to,
			Amount:         amount,
			Remains:        amount,
		}
	}
	expired := func(to time.Time) bool {
		return !since.IsZero() && !to.After(since)
	}

	return func(yield func(quota.Chunk) bool) {
		// Trial: the offset interval gets its own grant.
		if base.After(start) && start.Before(t.sub.End) && (until.IsZero() || !start.After(until)) {
			to := minTime(q.BurnsIn.AddTo(start), base, t.sub.End)
			if to.After(start) && !expired(to) {
				if !yield(build(0, start, to)) {
					return
				}
			}
		}

		var prev time.Time
		for k := 0; ; k++ {
			if k > 0 && q.RechargePeriod.IsInfinite() {
				return
			}
			from := q.RechargePeriod.Mul(k).AddTo(base)
			if k > 0 && !from.After(prev) {
				return
			}
			prev = from
			if !from.Before(period.MaxTime) || !from.Before(t.sub.End) {
				return
			}
			if !until.IsZero() && from.After(until) {
				return
			}
			to := minTime(q.BurnsIn.AddTo(from), t.sub.End)
			if expired(to) {
				continue
			}
			if !yield(build(k+1, from, to)) {
				return
			}
		}
	}
}

// RefreshMoments returns, per resource, when the next grant after at starts.
// Resources that will not recharge before the subscription ends are omitted.
func (t Timeline) RefreshMoments(at time.Time) map[string]time.Time {
	res := make(map[string]time.Time)
	for _, q := range t.plan.Quotas {
		for c := range t.quotaChunks(q, time.Time{}, time.Time{}) {
			if c.Start.After(at) {
				res[q.Resource] = c.Start
				break
			}
		}
	}
	return res
}

// mergeChunks merges sequences sorted by (start, end) into one sorted sequence.
func mergeChunks(seqs ...iter.Seq[quota.Chunk]) iter.Seq[quota.Chunk] {
	return func(yield func(quota.Chunk) bool) {
		type head struct {
			next  func() (quota.Chunk, bool)
			stop  func()
			chunk quota.Chunk
			ok    bool
		}

		heads := make([]*head, 0, len(seqs))
		for _, seq := range seqs {
			next, stop := iter.Pull(seq)
			h := &head{next: next, stop: stop}
			h.chunk, h.ok = next()
			heads = append(heads, h)
		}
		defer func() {
			for _, h := range heads {
				h.stop()
			}
		}()

		for {
			var best *head
			for _, h := range heads {
				if !h.ok {
					continue
				}
				if best == nil || chunkBefore(h.chunk, best.chunk) {
					best = h
				}
			}
			if best == nil {
				return
			}
			if !yield(best.chunk) {
				return
			}
			best.chunk, best.ok = best.next()
		}
	}
}

func chunkBefore(a, b quota.Chunk) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	if !a.End.Equal(b.End) {
		return a.End.Before(b.End)
	}
	return a.ID < b.ID
}

func minTime(first time.Time, rest ...time.Time) time.Time {
	m := first
	for _, t := range rest {
		if t.Before(m) {
			m = t
		}
	}
	return m
}
