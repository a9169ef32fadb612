package charge

import (
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// Event drives a subscription through the charge lifecycle.
type Event string

const (
	EventCharged   Event = "charged"   // payment completed
	EventDeclined  Event = "declined"  // attempt failed, schedule continues
	EventExhausted Event = "exhausted" // attempt at the last offset failed
	EventElapsed   Event = "elapsed"   // grace or hold period ended
)

// Guard evaluates whether a transition applies under the configuration.
type Guard func(cfg Config) bool

// Transition defines a state change triggered by an event.
type Transition struct {
	From   subscription.Status
	To     subscription.Status
	Event  Event
	Guards []Guard // all must pass
}

func hasGrace(cfg Config) bool { return cfg.GracePeriod > 0 }
func hasHold(cfg Config) bool  { return cfg.HoldPeriod > 0 }

// Transitions is the charge lifecycle. Multiple transitions for the same
// state and event are tried in order; the first one with passing guards wins.
var Transitions = []Transition{
	{From: subscription.StatusCurrent, Event: EventCharged, To: subscription.StatusCurrent},
	{From: subscription.StatusRetryPending, Event: EventCharged, To: subscription.StatusCurrent},
	{From: subscription.StatusGrace, Event: EventCharged, To: subscription.StatusCurrent},
	{From: subscription.StatusHold, Event: EventCharged, To: subscription.StatusCurrent},

	{From: subscription.StatusCurrent, Event: EventDeclined, To: subscription.StatusRetryPending},
	{From: subscription.StatusRetryPending, Event: EventDeclined, To: subscription.StatusRetryPending},
	{From: subscription.StatusGrace, Event: EventDeclined, To: subscription.StatusGrace},
	{From: subscription.StatusHold, Event: EventDeclined, To: subscription.StatusHold},

	{From: subscription.StatusCurrent, Event: EventExhausted, To: subscription.StatusGrace, Guards: []Guard{hasGrace}},
	{From: subscription.StatusCurrent, Event: EventExhausted, To: subscription.StatusHold, Guards: []Guard{hasHold}},
	{From: subscription.StatusCurrent, Event: EventExhausted, To: subscription.StatusExpired},
	{From: subscription.StatusRetryPending, Event: EventExhausted, To: subscription.StatusGrace, Guards: []Guard{hasGrace}},
	{From: subscription.StatusRetryPending, Event: EventExhausted, To: subscription.StatusHold, Guards: []Guard{hasHold}},
	{From: subscription.StatusRetryPending, Event: EventExhausted, To: subscription.StatusExpired},

	{From: subscription.StatusGrace, Event: EventElapsed, To: subscription.StatusHold, Guards: []Guard{hasHold}},
	{From: subscription.StatusGrace, Event: EventElapsed, To: subscription.StatusExpired},
	{From: subscription.StatusHold, Event: EventElapsed, To: subscription.StatusExpired},
}

// Lifecycle resolves transitions from a table.
// Lookups are [from][event][]Transition.
type Lifecycle struct {
	cfg         Config
	transitions map[subscription.Status]map[Event][]Transition
}

// NewLifecycle indexes transitions for lookups. Without transitions the
// default table is used.
func NewLifecycle(cfg Config, transitions ...Transition) *Lifecycle {
	if len(transitions) == 0 {
		transitions = Transitions
	}
	l := &Lifecycle{
		cfg:         cfg,
		transitions: make(map[subscription.Status]map[Event][]Transition),
	}
	for _, t := range transitions {
		if _, ok := l.transitions[t.From]; !ok {
			l.transitions[t.From] = make(map[Event][]Transition)
		}
		l.transitions[t.From][t.Event] = append(l.transitions[t.From][t.Event], t)
	}
	return l
}

// Next returns the state reached from the state by the event.
func (l *Lifecycle) Next(from subscription.Status, ev Event) (subscription.Status, error) {
	candidates := l.transitions[from][ev]
	if len(candidates) == 0 {
		return from, &NoTransitionError{State: from, Event: ev}
	}
	for _, t := range candidates {
		if l.allowed(t) {
			return t.To, nil
		}
	}
	return from, &TransitionRejectedError{State: from, Event: ev}
}

// CanFire reports whether the event is accepted in the state.
func (l *Lifecycle) CanFire(from subscription.Status, ev Event) bool {
	_, err := l.Next(from, ev)
	return err == nil
}

func (l *Lifecycle) allowed(t Transition) bool {
	for _, guard := range t.Guards {
		if guard != nil && !guard(l.cfg) {
			return false
		}
	}
	return true
}
