// Package config loads typed configuration from the environment.
//
// Every component of quotakit declares its settings as a struct with
// github.com/caarlos0/env tags (pg.Config, redis.Config, charge.Config,
// limits.Config, provider configs). Load parses such a struct after reading
// the default .env file through github.com/joho/godotenv:
//
//	cfg, err := config.Load[charge.Config]()
//	if err != nil {
//		return err
//	}
//
// LoadEnv loads additional .env files explicitly. Variables already present
// in the environment always take precedence over file values.
package config
