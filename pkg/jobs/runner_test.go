package jobs_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/jobs"
	"github.com/dmitrymomot/quotakit/pkg/lock"
)

func TestRunner_Add(t *testing.T) {
	t.Parallel()

	r := jobs.NewRunner(lock.NewMemory())
	noop := func(context.Context) error { return nil }

	require.NoError(t, r.Add("b", jobs.Every(time.Hour), 0, noop))
	require.NoError(t, r.Add("a", jobs.Every(time.Hour), 0, noop))
	assert.ErrorIs(t, r.Add("a", jobs.Every(time.Hour), 0, noop), jobs.ErrJobAlreadyRegistered)
	assert.ErrorIs(t, r.Add("", jobs.Every(time.Hour), 0, noop), jobs.ErrInvalidJob)
	assert.ErrorIs(t, r.Add("c", nil, 0, noop), jobs.ErrInvalidJob)
	assert.ErrorIs(t, r.Add("c", jobs.Every(time.Hour), 0, nil), jobs.ErrInvalidJob)
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestRunner_StartWithoutJobs(t *testing.T) {
	t.Parallel()

	r := jobs.NewRunner(lock.NewMemory())
	assert.ErrorIs(t, r.Start(context.Background()), jobs.ErrNoJobs)
}

func TestRunner_NilLocker(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { jobs.NewRunner(nil) })
}

func TestRunner_Start(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	r := jobs.NewRunner(lock.NewMemory(), jobs.WithCheckInterval(10*time.Millisecond))
	require.NoError(t, r.Add("tick", jobs.Every(time.Millisecond), time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunner_NotDueYet(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	r := jobs.NewRunner(lock.NewMemory(), jobs.WithCheckInterval(5*time.Millisecond))
	require.NoError(t, r.Add("daily", jobs.Every(24*time.Hour), 0, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Start(ctx), context.DeadlineExceeded)
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunner_RunNow(t *testing.T) {
	t.Parallel()

	t.Run("runs under lock", func(t *testing.T) {
		t.Parallel()

		locker := lock.NewMemory()
		r := jobs.NewRunner(locker, jobs.WithKeyPrefix("test."))
		var held bool
		require.NoError(t, r.Add("job", jobs.Every(time.Hour), 0, func(ctx context.Context) error {
			_, err := locker.Acquire(ctx, "test.job", 0)
			held = errors.Is(err, lock.ErrLockTimeout)
			return nil
		}))

		require.NoError(t, r.RunNow(context.Background(), "job"))
		assert.True(t, held)
	})

	t.Run("skips when held elsewhere", func(t *testing.T) {
		t.Parallel()

		locker := lock.NewMemory()
		release, err := locker.Acquire(context.Background(), "jobs.job", 0)
		require.NoError(t, err)
		defer release()

		r := jobs.NewRunner(locker)
		var ran bool
		require.NoError(t, r.Add("job", jobs.Every(time.Hour), 0, func(context.Context) error {
			ran = true
			return nil
		}))

		require.NoError(t, r.RunNow(context.Background(), "job"))
		assert.False(t, ran)
	})

	t.Run("returns job error", func(t *testing.T) {
		t.Parallel()

		boom := errors.New("boom")
		r := jobs.NewRunner(lock.NewMemory())
		require.NoError(t, r.Add("job", jobs.Every(time.Hour), 0, func(context.Context) error { return boom }))

		assert.ErrorIs(t, r.RunNow(context.Background(), "job"), boom)
	})

	t.Run("applies timeout", func(t *testing.T) {
		t.Parallel()

		r := jobs.NewRunner(lock.NewMemory())
		require.NoError(t, r.Add("job", jobs.Every(time.Hour), 10*time.Millisecond, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}))

		assert.ErrorIs(t, r.RunNow(context.Background(), "job"), context.DeadlineExceeded)
	})

	t.Run("unknown job", func(t *testing.T) {
		t.Parallel()

		r := jobs.NewRunner(lock.NewMemory())
		assert.ErrorIs(t, r.RunNow(context.Background(), "nope"), jobs.ErrUnknownJob)
	})
}
