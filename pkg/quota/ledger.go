package quota

import (
	"slices"
	"time"
)

// Ledger holds the remaining amounts of a user's chunks and applies
// consumption in earliest-expiring-first order.
//
// Ledger is not safe for concurrent use; callers serialize access to a
// user's ledger with an external lock.
type Ledger struct {
	chunks []*Chunk
}

// NewLedger builds a ledger from chunks. Chunks are copied.
func NewLedger(chunks []Chunk) *Ledger {
	l := &Ledger{chunks: make([]*Chunk, 0, len(chunks))}
	for _, c := range chunks {
		l.chunks = append(l.chunks, &c)
	}
	slices.SortStableFunc(l.chunks, consumeBefore)
	return l
}

// Apply replays a historic usage record. Consumption is partial: whatever
// the active chunks cannot cover is returned as overused and dropped.
func (l *Ledger) Apply(u Usage) (overused int64) {
	left := u.Amount
	for _, c := range l.chunks {
		if left <= 0 {
			break
		}
		if c.Resource != u.Resource || !c.Includes(u.At) || c.Remains <= 0 {
			continue
		}
		take := min(left, c.Remains)
		c.Remains -= take
		left -= take
	}
	return max(left, 0)
}

// Remaining returns the amount available per resource at the given moment.
// Only resources with an active chunk are present.
func (l *Ledger) Remaining(at time.Time) map[string]int64 {
	res := make(map[string]int64)
	for _, c := range l.chunks {
		if !c.Includes(at) {
			continue
		}
		res[c.Resource] += max(c.Remains, 0)
	}
	return res
}

// Available returns the amount of a single resource available at the moment.
func (l *Ledger) Available(resource string, at time.Time) int64 {
	var total int64
	for _, c := range l.chunks {
		if c.Resource == resource && c.Includes(at) {
			total += max(c.Remains, 0)
		}
	}
	return total
}

// Decrement consumes amount of resource at the given moment.
// It is all-or-nothing: when the active chunks cannot cover the amount
// nothing is consumed and a *LimitExceededError is returned.
func (l *Ledger) Decrement(resource string, amount int64, at time.Time) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	available := l.Available(resource, at)
	if available < amount {
		return available, &LimitExceededError{
			Resource:  resource,
			Requested: amount,
			Available: available,
		}
	}

	l.Apply(Usage{Resource: resource, Amount: amount, At: at})
	return available - amount, nil
}

// Active returns copies of the chunks valid at the moment in consumption order.
func (l *Ledger) Active(at time.Time) []Chunk {
	var res []Chunk
	for _, c := range l.chunks {
		if c.Includes(at) {
			res = append(res, *c)
		}
	}
	return res
}

// Chunks returns copies of all chunks in consumption order.
func (l *Ledger) Chunks() []Chunk {
	res := make([]Chunk, len(l.chunks))
	for i, c := range l.chunks {
		res[i] = *c
	}
	return res
}
