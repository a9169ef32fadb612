package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/lock"
	"github.com/dmitrymomot/quotakit/pkg/logger"
)

// Func is the body of a periodic job.
type Func func(ctx context.Context) error

// Runner executes registered jobs on their schedules. Every run is guarded by
// the locker without waiting, so across a deployment only one process runs a
// job at a time and the others skip that tick.
type Runner struct {
	locker   lock.Locker
	mu       sync.Mutex
	jobs     map[string]*job
	interval time.Duration
	prefix   string
	logger   *slog.Logger
	now      func() time.Time
}

type job struct {
	name     string
	schedule Schedule
	fn       Func
	timeout  time.Duration
	next     time.Time
	running  bool
}

// NewRunner creates a runner guarded by locker.
// Panics if locker is nil.
func NewRunner(locker lock.Locker, opts ...Option) *Runner {
	if locker == nil {
		panic("jobs: locker is required")
	}
	r := &Runner{
		locker:   locker,
		jobs:     make(map[string]*job),
		interval: 30 * time.Second,
		prefix:   "jobs.",
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a job. The first run happens on the first check after Start.
// A positive timeout bounds every run.
func (r *Runner) Add(name string, schedule Schedule, timeout time.Duration, fn Func) error {
	if name == "" || schedule == nil || fn == nil {
		return ErrInvalidJob
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[name]; exists {
		return ErrJobAlreadyRegistered
	}
	r.jobs[name] = &job{name: name, schedule: schedule, fn: fn, timeout: timeout}

	r.logger.Info("registered periodic job",
		slog.String("job", name),
		slog.String("schedule", schedule.String()))
	return nil
}

// Names returns the registered job names, sorted.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start checks for due jobs until ctx is done. It returns ctx.Err() on
// shutdown after waiting for running jobs.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	count := len(r.jobs)
	r.mu.Unlock()
	if count == 0 {
		return ErrNoJobs
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	r.check(ctx, &wg)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.check(ctx, &wg)
		}
	}
}

// RunNow executes the job immediately under its lock, regardless of schedule.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.run(ctx, j)
}

func (r *Runner) check(ctx context.Context, wg *sync.WaitGroup) {
	now := r.now()

	r.mu.Lock()
	due := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if j.running || (!j.next.IsZero() && j.next.After(now)) {
			continue
		}
		j.running = true
		j.next = j.schedule.Next(now)
		due = append(due, j)
	}
	r.mu.Unlock()

	for _, j := range due {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			defer r.done(j)
			if err := r.run(ctx, j); err != nil {
				r.logger.ErrorContext(ctx, "periodic job failed",
					slog.String("job", j.name),
					logger.Error(err))
			}
		}(j)
	}
}

func (r *Runner) done(j *job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j.running = false
}

func (r *Runner) run(ctx context.Context, j *job) error {
	release, err := r.locker.Acquire(ctx, r.prefix+j.name, 0)
	if errors.Is(err, lock.ErrLockTimeout) {
		r.logger.DebugContext(ctx, "periodic job held elsewhere", slog.String("job", j.name))
		return nil
	}
	if err != nil {
		return err
	}
	defer release()

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	started := r.now()
	if err := j.fn(ctx); err != nil {
		return err
	}
	r.logger.DebugContext(ctx, "periodic job finished",
		slog.String("job", j.name),
		slog.Duration("took", r.now().Sub(started)))
	return nil
}
