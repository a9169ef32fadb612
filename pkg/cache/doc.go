// Package cache provides short-lived key/value caching.
//
// LRU is a generic, thread-safe, size bounded cache with per-entry expiry.
// Cache is the byte-oriented contract used by services; Memory adapts LRU to
// it for single-process deployments and Redis shares entries across
// processes.
//
//	c := cache.NewRedis(client, "quotakit:")
//	if err := c.Set(ctx, "remaining:"+userID, payload, 10*time.Second); err != nil {
//		return err
//	}
//	payload, err := c.Get(ctx, "remaining:"+userID)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// recompute
//	}
//
// Cached values are display hints. Callers must not base authorization
// decisions on them.
package cache
