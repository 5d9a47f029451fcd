package time_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	pkgtime "github.com/klwxsrx/go-stream-binder/pkg/time"
)

func TestClock(t *testing.T) {
	t.Parallel()

	fixed := time.UnixMilli(1700000000000)
	pinned := time.UnixMilli(1600000000000)

	tests := []struct {
		name     string
		clock    pkgtime.Clock
		ctx      context.Context
		expected time.Time
	}{
		{"fixed", pkgtime.Fixed(fixed), context.Background(), fixed},
		{"fixed pinned by context", pkgtime.Fixed(fixed), pkgtime.WithNow(context.Background(), pinned), pinned},
		{"wall clock pinned by context", pkgtime.NewClock(), pkgtime.WithNow(context.Background(), pinned), pinned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, tt.expected.Equal(tt.clock.Now(tt.ctx)))
		})
	}
}

func TestClock_Wall(t *testing.T) {
	t.Parallel()

	before := time.Now()
	now := pkgtime.NewClock().Now(context.Background())
	assert.False(t, now.Before(before))
}
