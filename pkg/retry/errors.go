package retry

import "errors"

var (
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
	ErrTimeout           = errors.New("wait timeout elapsed")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
)
