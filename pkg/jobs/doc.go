// Package jobs runs periodic maintenance in-process.
//
// A Runner holds named jobs with a Schedule (Every, HourlyAt, DailyAt). Each
// run takes a non-blocking lock.Locker lock named after the job, so several
// replicas can run the same Runner and only one of them executes a given tick:
//
//	runner := jobs.NewRunner(locker, jobs.WithLogger(log))
//	_ = runner.Add("charge", jobs.Every(time.Minute), 10*time.Minute, func(ctx context.Context) error {
//		_, err := scheduler.Run(ctx)
//		return err
//	})
//	err := runner.Start(ctx)
package jobs
