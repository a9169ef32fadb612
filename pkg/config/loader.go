package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// LoadEnv loads the given .env files into the process environment without
// overriding variables already set. Missing files are an error; with no
// arguments the default .env is loaded when present.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return errors.Join(ErrLoadingEnvFile, err)
	}
	return nil
}

// Load parses the environment into a T. The default .env file is read once
// per process before the first parse.
//
//	type Config struct {
//		Workers int `env:"CHARGE_WORKERS" envDefault:"8"`
//	}
//
//	cfg, err := config.Load[Config]()
func Load[T any](opts ...env.Options) (T, error) {
	dotenvOnce.Do(func() {
		_ = LoadEnv()
	})

	var (
		v   T
		err error
	)
	if len(opts) > 0 {
		v, err = env.ParseAsWithOptions[T](opts[0])
	} else {
		v, err = env.ParseAs[T]()
	}
	if err != nil {
		return v, errors.Join(ErrParsingConfig, err)
	}
	return v, nil
}

// MustLoad is like Load but panics on error. Intended for process startup.
func MustLoad[T any](opts ...env.Options) T {
	v, err := Load[T](opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return v
}
