package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/config"
)

type defaultsConfig struct {
	Workers  int           `env:"QK_TEST_WORKERS" envDefault:"8"`
	LockWait time.Duration `env:"QK_TEST_LOCK_WAIT" envDefault:"1s"`
	Enabled  bool          `env:"QK_TEST_ENABLED" envDefault:"true"`
}

type requiredConfig struct {
	Value string `env:"QK_TEST_REQUIRED,required"`
}

type listConfig struct {
	Items []string `env:"QK_TEST_ITEMS" envSeparator:","`
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := config.Load[defaultsConfig]()
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Workers)
		assert.Equal(t, time.Second, cfg.LockWait)
		assert.True(t, cfg.Enabled)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("QK_TEST_WORKERS", "2")
		t.Setenv("QK_TEST_LOCK_WAIT", "250ms")

		cfg, err := config.Load[defaultsConfig]()
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Workers)
		assert.Equal(t, 250*time.Millisecond, cfg.LockWait)
	})

	t.Run("missing required value", func(t *testing.T) {
		_, err := config.Load[requiredConfig]()
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})

	t.Run("invalid value", func(t *testing.T) {
		t.Setenv("QK_TEST_WORKERS", "many")
		_, err := config.Load[defaultsConfig]()
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})

	t.Run("options", func(t *testing.T) {
		cfg, err := config.Load[listConfig](env.Options{
			Environment: map[string]string{"QK_TEST_ITEMS": "a,b,c"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, cfg.Items)
	})

	t.Run("must load panics", func(t *testing.T) {
		assert.Panics(t, func() { config.MustLoad[requiredConfig]() })
	})
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(file, []byte("QK_TEST_REQUIRED=from-file\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("QK_TEST_REQUIRED") })

	require.NoError(t, config.LoadEnv(file))
	cfg, err := config.Load[requiredConfig]()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Value)

	assert.ErrorIs(t, config.LoadEnv(filepath.Join(dir, "missing.env")), config.ErrLoadingEnvFile)
}
