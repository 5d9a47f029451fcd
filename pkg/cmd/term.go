package cmd

import (
	"context"
	"os/signal"
	"syscall"
)

// TermSignalAwaiter completes when the process receives SIGTERM or SIGINT.
func TermSignalAwaiter(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	<-sigCtx.Done()
	return ctx.Err()
}
