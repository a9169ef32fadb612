package quota

import (
	"errors"
	"fmt"
)

var (
	ErrQuotaLimitExceeded = errors.New("quota limit exceeded")
	ErrInvalidAmount      = errors.New("amount must be positive")
)

// LimitExceededError carries the details of a rejected decrement.
type LimitExceededError struct {
	Resource  string
	Requested int64
	Available int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("quota limit exceeded for %q: requested %d, available %d",
		e.Resource, e.Requested, e.Available)
}

// Is makes errors.Is(err, ErrQuotaLimitExceeded) match.
func (e *LimitExceededError) Is(target error) bool {
	return target == ErrQuotaLimitExceeded
}
