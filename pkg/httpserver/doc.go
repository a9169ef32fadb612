// Package httpserver runs the HTTP surface of quotakit (purchase
// confirmation, provider webhooks, quota display, metrics and health checks) with
// graceful shutdown bound to a context.
//
//	srv := httpserver.New(cfg, httpserver.WithLogger(log))
//	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	if err := srv.Run(ctx, router); err != nil {
//		return err
//	}
//
// HealthCheckHandler serves liveness and readiness checks over checks such
// as pg.Healthcheck and redis.Healthcheck.
package httpserver
