package quota

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Chunk is a materialized, time-bounded grant of a resource amount.
// It is valid on [Start, End); an unconsumed remainder burns at End.
type Chunk struct {
	ID             string // stable, deterministic identifier used for tie-breaks
	SubscriptionID uuid.UUID
	Resource       string
	Start          time.Time
	End            time.Time
	Amount         int64
	Remains        int64
}

// ChunkID builds the deterministic identifier of the n-th grant of a resource
// within a subscription.
func ChunkID(subscriptionID uuid.UUID, resource string, n int) string {
	return fmt.Sprintf("%s/%s/%06d", subscriptionID, resource, n)
}

// Includes reports whether the chunk is valid at the given moment.
func (c Chunk) Includes(at time.Time) bool {
	return !at.Before(c.Start) && at.Before(c.End)
}

// SameLifetime reports whether both chunks share validity bounds.
func (c Chunk) SameLifetime(other Chunk) bool {
	return c.Start.Equal(other.Start) && c.End.Equal(other.End)
}

func (c Chunk) String() string {
	return fmt.Sprintf("%d/%d %s %s - %s", c.Remains, c.Amount, c.Resource,
		c.Start.Format(time.RFC3339), c.End.Format(time.RFC3339))
}

// Usage is a consumption record replayed against chunks.
type Usage struct {
	Resource string
	Amount   int64
	At       time.Time
}

// consumeBefore orders chunks for consumption: earliest expiry first,
// then oldest grant, then ID.
func consumeBefore(a, b *Chunk) int {
	if c := a.End.Compare(b.End); c != 0 {
		return c
	}
	if c := a.Start.Compare(b.Start); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
