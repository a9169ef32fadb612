package cache

import "errors"

var (
	ErrCacheMiss   = errors.New("cache miss")
	ErrCacheFailed = errors.New("cache backend failed")
)
