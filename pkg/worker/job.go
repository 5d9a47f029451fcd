package worker

import (
	"context"
	"time"
)

type (
	Job      func(context.Context)
	ErrorJob func(context.Context) error
)

// PeriodicJob runs job every interval until the context is cancelled.
func PeriodicJob(job Job, every time.Duration) ErrorJob {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				job(ctx)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
