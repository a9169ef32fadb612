package charge

import (
	"errors"
	"fmt"

	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

var (
	ErrEmptySchedule = errors.New("charge schedule is empty")
	ErrNoProvider    = errors.New("no payment provider to charge with")
	ErrChargeFailed  = errors.New("charge failed with a non-transient error")
)

// NoTransitionError means the lifecycle has no transition for the state and event.
type NoTransitionError struct {
	State subscription.Status
	Event Event
}

func (e *NoTransitionError) Error() string {
	return fmt.Sprintf("no transition available from state '%s' for event '%s'", e.State, e.Event)
}

// TransitionRejectedError means every candidate transition was blocked by guards.
type TransitionRejectedError struct {
	State subscription.Status
	Event Event
}

func (e *TransitionRejectedError) Error() string {
	return fmt.Sprintf("transition from state '%s' for event '%s' was rejected by guards", e.State, e.Event)
}

func IsNoTransition(err error) bool {
	var e *NoTransitionError
	return errors.As(err, &e)
}

func IsTransitionRejected(err error) bool {
	var e *TransitionRejectedError
	return errors.As(err, &e)
}
