package cmd_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klwxsrx/go-stream-binder/pkg/cmd"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/worker"
)

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRun(t *testing.T) {
	t.Parallel()

	errBroken := errors.New("broken")
	tests := []struct {
		name        string
		jobs        []worker.ErrorJob
		expectedErr error
	}{
		{
			name: "completed job stops the rest",
			jobs: []worker.ErrorJob{
				blockUntilDone,
				func(context.Context) error { return nil },
			},
		},
		{
			name: "canceled job is a completion",
			jobs: []worker.ErrorJob{
				blockUntilDone,
				func(context.Context) error { return context.Canceled },
			},
		},
		{
			name: "failed job is reported",
			jobs: []worker.ErrorJob{
				blockUntilDone,
				func(context.Context) error { return errBroken },
			},
			expectedErr: errBroken,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := cmd.Run(context.Background(), log.New(log.LevelDisabled), tt.jobs...)
			if tt.expectedErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.expectedErr)
			}
		})
	}
}

func TestMustRun_PanicsOnFailure(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		cmd.MustRun(context.Background(), log.New(log.LevelDisabled), func(context.Context) error {
			return errors.New("broken")
		})
	})
}

func TestReportPanic(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	logger := log.New(log.LevelError, log.WithOutput(&out))

	assert.False(t, cmd.ReportPanic(context.Background(), logger, nil))
	assert.Empty(t, out.String())

	func() {
		defer func() {
			require.True(t, cmd.ReportPanic(context.Background(), logger, recover()))
		}()
		panic("binder is gone")
	}()
	assert.Contains(t, out.String(), "app failed with panic")
	assert.Contains(t, out.String(), "binder is gone")
}
