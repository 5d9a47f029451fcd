package cmd

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
)

// ReportPanic logs a value returned by recover together with the stack.
// recover must be called by the deferred function itself, so pass its result here.
func ReportPanic(ctx context.Context, logger log.Logger, recovered any) (panicked bool) {
	if recovered == nil {
		return false
	}

	logger.WithField("panic", log.Fields{
		"message": fmt.Sprintf("%v", recovered),
		"stack":   string(debug.Stack()),
	}).Error(ctx, "app failed with panic")
	return true
}
