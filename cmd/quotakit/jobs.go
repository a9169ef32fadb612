package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/charge"
	"github.com/dmitrymomot/quotakit/pkg/jobs"
	"github.com/dmitrymomot/quotakit/pkg/reconcile"
)

const (
	jobCharge     = "charge-recurring"
	jobUnfinished = "check-unfinished-payments"
	jobStuck      = "stuck-pending-payments"
	jobDuplicates = "duplicated-payments"
)

func registerJobs(runner *jobs.Runner, app appConfig, cfg reconcile.Config, scheduler *charge.Scheduler, reconciler reconcile.Service, log *slog.Logger) error {
	if err := runner.Add(jobCharge, jobs.Every(app.ChargeEvery), app.ChargeTimeout, func(ctx context.Context) error {
		report, err := scheduler.Run(ctx)
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "recurring charge finished",
			slog.Int("charged", report.Count(charge.ResultCharged)),
			slog.Int("pending", report.Count(charge.ResultPending)),
			slog.Int("declined", report.Count(charge.ResultDeclined)),
			slog.Int("unreachable", report.Count(charge.ResultUnreachable)),
			slog.Int("expired", report.Count(charge.ResultExpired)),
			slog.Int("failed", report.Count(charge.ResultFailed)))
		return report.Err
	}); err != nil {
		return err
	}

	if err := runner.Add(jobUnfinished, jobs.Every(app.ReconcileEvery), app.ReconcileEvery, func(ctx context.Context) error {
		n, err := reconciler.CheckUnfinishedPayments(ctx, cfg.UnfinishedWithin)
		if n > 0 {
			log.InfoContext(ctx, "settled unfinished payments", slog.Int("count", n))
		}
		return err
	}); err != nil {
		return err
	}

	if err := runner.Add(jobStuck, jobs.DailyAt(app.ReportDailyAt, 0), time.Hour, func(ctx context.Context) error {
		_, err := reconciler.StuckPendingPayments(ctx, cfg.StuckAfter)
		return err
	}); err != nil {
		return err
	}

	return runner.Add(jobDuplicates, jobs.DailyAt(app.ReportDailyAt, 30), time.Hour, func(ctx context.Context) error {
		dups, err := reconciler.FindDuplicatedPayments(ctx)
		if err != nil {
			return err
		}
		if len(dups) > 0 {
			log.WarnContext(ctx, "periods paid more than once", slog.Int("periods", len(dups)))
		}
		return nil
	})
}
