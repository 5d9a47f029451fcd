package time

import (
	"context"
	"time"
)

const nowContextKey contextKey = iota

type (
	// Clock tells the current time, a time pinned to ctx wins over the wall clock.
	Clock interface {
		Now(context.Context) time.Time
	}

	wallClock  struct{}
	fixedClock time.Time
	contextKey int
)

func NewClock() Clock {
	return wallClock{}
}

// Fixed always reports t unless ctx pins another time.
func Fixed(t time.Time) Clock {
	return fixedClock(t)
}

// WithNow pins the time reported by any Clock for ctx.
func WithNow(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, nowContextKey, t)
}

func (wallClock) Now(ctx context.Context) time.Time {
	if t, ok := pinned(ctx); ok {
		return t
	}

	return time.Now()
}

func (c fixedClock) Now(ctx context.Context) time.Time {
	if t, ok := pinned(ctx); ok {
		return t
	}

	return time.Time(c)
}

func pinned(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(nowContextKey).(time.Time)
	return t, ok
}
