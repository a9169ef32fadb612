// Package redis connects the go-redis client used by the Redis-backed cache
// and lock.
//
//	var cfg redis.Config
//	if err := env.Parse(&cfg); err != nil {
//		return err
//	}
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	c := cache.NewRedis(client, cfg.KeyPrefix)
//	l := lock.NewRedis(client, lock.WithPrefix(cfg.KeyPrefix))
//
// Healthcheck returns a ping check for readiness endpoints.
package redis
