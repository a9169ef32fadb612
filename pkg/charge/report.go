package charge

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Result is what one invocation did with a subscription.
type Result string

const (
	ResultCharged     Result = "charged"
	ResultDeclined    Result = "declined"
	ResultPending     Result = "pending" // provider has not decided yet
	ResultUnreachable Result = "provider_unreachable"
	ResultSkipped     Result = "skipped"
	ResultStopped     Result = "stopped" // prolongation impossible, auto-prolong turned off
	ResultExpired     Result = "expired"
	ResultFailed      Result = "failed" // internal or integration error
)

// Report summarizes one ChargeRecurring invocation.
type Report struct {
	Results map[uuid.UUID]Result
	// Err joins the errors of failed subscriptions.
	Err error
}

// Count returns the number of subscriptions with the result.
func (r Report) Count(res Result) int {
	n := 0
	for _, v := range r.Results {
		if v == res {
			n++
		}
	}
	return n
}

type collector struct {
	mu      sync.Mutex
	results map[uuid.UUID]Result
	errs    []error
}

func (c *collector) add(id uuid.UUID, res Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[id] = res
	if err != nil {
		c.errs = append(c.errs, err)
	}
}

func (c *collector) report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Report{Results: c.results, Err: errors.Join(c.errs...)}
}
