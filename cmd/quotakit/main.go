// Command quotakit serves the webhook surface and runs recurring charges and
// payment maintenance on a schedule.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/quotakit/pkg/cache"
	"github.com/dmitrymomot/quotakit/pkg/charge"
	"github.com/dmitrymomot/quotakit/pkg/config"
	"github.com/dmitrymomot/quotakit/pkg/httpserver"
	"github.com/dmitrymomot/quotakit/pkg/jobs"
	"github.com/dmitrymomot/quotakit/pkg/limits"
	"github.com/dmitrymomot/quotakit/pkg/lock"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/metrics"
	"github.com/dmitrymomot/quotakit/pkg/pg"
	"github.com/dmitrymomot/quotakit/pkg/ratelimiter"
	"github.com/dmitrymomot/quotakit/pkg/reconcile"
	"github.com/dmitrymomot/quotakit/pkg/redis"
	"github.com/dmitrymomot/quotakit/pkg/store/postgres"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
	"github.com/dmitrymomot/quotakit/svc/webhook"
)

var errRedisLockDisabled = errors.New("LOCK_BACKEND=redis requires redis to be enabled")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("quotakit stopped", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logCfg, err := config.Load[logger.Config]()
	if err != nil {
		return err
	}
	logOpts, err := logger.FromConfig(logCfg)
	if err != nil {
		return err
	}
	log := logger.New(append(logOpts, logger.WithContextExtractors(logger.RequestID))...)
	logger.SetAsDefault(log)

	appCfg, err := config.Load[appConfig]()
	if err != nil {
		return err
	}
	pgCfg, err := config.Load[pg.Config]()
	if err != nil {
		return err
	}
	chargeCfg, err := config.Load[charge.Config]()
	if err != nil {
		return err
	}
	reconcileCfg, err := config.Load[reconcile.Config]()
	if err != nil {
		return err
	}
	limitsCfg, err := config.Load[limits.Config]()
	if err != nil {
		return err
	}
	httpCfg, err := config.Load[httpserver.Config]()
	if err != nil {
		return err
	}

	if err := checkPools(appCfg, pgCfg, chargeCfg); err != nil {
		return err
	}

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, postgres.Migrations, postgres.MigrationsDir, pgCfg, log); err != nil {
		return err
	}

	store := postgres.New(pool, postgres.WithLogger(log))
	readiness := []func(context.Context) error{pg.Healthcheck(pool)}

	rateCfg, err := config.Load[ratelimiter.Config]()
	if err != nil {
		return err
	}

	var (
		locker  lock.Locker
		display cache.Cache       = cache.NewMemory(appCfg.CacheSize)
		buckets ratelimiter.Store = ratelimiter.NewMemoryStore(0)
	)
	if appCfg.LockBackend == "postgres" {
		lockCfg := pgCfg
		lockCfg.MaxOpenConns = appCfg.LockMaxConns
		lockCfg.MaxIdleConns = min(pgCfg.MaxIdleConns, appCfg.LockMaxConns)
		lockPool, err := pg.Connect(ctx, lockCfg)
		if err != nil {
			return err
		}
		defer lockPool.Close()

		locker = lock.NewPostgres(lockPool)
		readiness = append(readiness, pg.Healthcheck(lockPool))
	}
	if !appCfg.DisableRedis {
		redisCfg, err := config.Load[redis.Config]()
		if err != nil {
			return err
		}
		client, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer client.Close()

		display = cache.NewRedis(client, redisCfg.KeyPrefix+"cache.")
		buckets = ratelimiter.NewRedisStore(client, redisCfg.KeyPrefix+"rl.")
		if appCfg.LockBackend == "redis" {
			locker = lock.NewRedis(client, lock.WithPrefix(redisCfg.KeyPrefix+"lock."))
		}
		readiness = append(readiness, redis.Healthcheck(client))
	} else if appCfg.LockBackend == "redis" {
		return errRedisLockDisabled
	}
	if locker == nil {
		return fmt.Errorf("unknown LOCK_BACKEND %q", appCfg.LockBackend)
	}

	collector := metrics.New(appCfg.MetricsNamespace)

	registry, err := loadProviders(ctx, appCfg.Providers)
	if err != nil {
		return err
	}

	subs := subscription.NewService(store,
		subscription.WithLogger(log),
		subscription.WithDefaultPlan(subscription.NewDefaultPlan(appCfg.DefaultPlan)),
		subscription.WithTrialPeriod(appCfg.TrialPeriod),
	)
	catalog := subscription.NewYAMLSource(appCfg.PlansFile)
	if err := subs.SyncPlans(ctx, catalog); err != nil {
		return err
	}
	var tiers []subscription.Tier
	if ts, ok := catalog.(subscription.TiersSource); ok {
		if tiers, err = ts.LoadTiers(ctx); err != nil {
			return err
		}
	}

	reconciler := reconcile.NewService(store, subs, registry, locker,
		reconcile.WithLogger(log),
		reconcile.WithConfig(reconcileCfg),
		reconcile.WithMetrics(collector),
	)
	accounting := limits.NewService(store, locker,
		limits.WithLogger(log),
		limits.WithConfig(limitsCfg),
		limits.WithCache(display),
		limits.WithTiers(tiers),
		limits.WithMetrics(collector),
	)
	store.SubscribePlanChanges(limits.InvalidateOnPlanChange(store, accounting, nil))

	scheduler := charge.NewScheduler(store, reconciler, registry, locker, chargeCfg,
		charge.WithLogger(log),
		charge.WithMetrics(collector),
	)

	runner := jobs.NewRunner(locker,
		jobs.WithLogger(log.With(logger.Component("jobs"))),
		jobs.WithCheckInterval(appCfg.JobCheckInterval),
	)
	if err := registerJobs(runner, appCfg, reconcileCfg, scheduler, reconciler, log); err != nil {
		return err
	}

	if ms, ok := buckets.(*ratelimiter.MemoryStore); ok {
		if err := runner.Add("ratelimit-cleanup", jobs.Every(5*time.Minute), 0, func(context.Context) error {
			ms.Cleanup(time.Now())
			return nil
		}); err != nil {
			return err
		}
	}

	throttle, err := ratelimiter.NewBucket(buckets, rateCfg)
	if err != nil {
		return err
	}

	handlerOpts := []webhook.Option{
		webhook.WithLogger(log.With(logger.Component("webhook"))),
		webhook.WithMetrics(collector),
		webhook.WithReadinessChecks(readiness...),
		webhook.WithRateLimit(throttle, nil),
	}
	if appCfg.DefaultPlan != "" {
		handlerOpts = append(handlerOpts, webhook.WithDefaultPlan(subs, locker))
	}
	handler := webhook.NewHandler(reconciler, accounting, handlerOpts...)
	server := httpserver.New(httpCfg, httpserver.WithLogger(log))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx, handler.Routes()) })
	g.Go(func() error { return runner.Start(ctx) })
	return g.Wait()
}
