package lock

import "errors"

var (
	ErrLockTimeout = errors.New("lock wait timeout")
	ErrLockFailed  = errors.New("failed to acquire lock")
)
