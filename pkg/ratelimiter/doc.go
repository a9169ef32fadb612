// Package ratelimiter throttles callers with a token bucket.
//
// A Bucket takes tokens from a Store keyed by caller. MemoryStore serves a
// single process; RedisStore evaluates the refill in a Lua script so every
// replica shares the same buckets. Denied requests still consume a token,
// so a caller hammering a full bucket stays denied until it backs off.
//
//	bucket, err := ratelimiter.NewBucket(ratelimiter.NewRedisStore(client, "quotakit:rl:"), cfg)
//	r.With(ratelimiter.Middleware(bucket, ratelimiter.ByIP, fail)).Post("/usage/{resource}", use)
package ratelimiter
