package env_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klwxsrx/go-stream-binder/pkg/env"
)

func TestParse(t *testing.T) {
	t.Setenv("TEST_BINDER_CONCURRENCY", " 4 ")
	t.Setenv("TEST_BINDER_BROKEN", "four")

	v, err := env.Parse[int]("TEST_BINDER_CONCURRENCY")
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	_, err = env.Parse[int]("TEST_BINDER_BROKEN")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, env.ErrNotFound)

	_, err = env.Parse[int]("TEST_BINDER_MISSING")
	assert.ErrorIs(t, err, env.ErrNotFound)
}

func TestParseOptional(t *testing.T) {
	t.Setenv("TEST_BINDER_TIMEOUT", "5s")

	timeout, err := env.ParseOptional[time.Duration]("TEST_BINDER_TIMEOUT")
	require.NoError(t, err)
	require.NotNil(t, timeout)
	assert.Equal(t, 5*time.Second, *timeout)

	missing, err := env.ParseOptional[time.Duration]("TEST_BINDER_TIMEOUT_MISSING")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestParseOrAndList(t *testing.T) {
	t.Setenv("TEST_BINDER_TOPICS", "a, b,,c")

	topics, err := env.ParseList[string]("TEST_BINDER_TOPICS", ",")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, topics)

	v, err := env.ParseOr("TEST_BINDER_UNSET", "memory")
	require.NoError(t, err)
	assert.Equal(t, "memory", v)

	assert.Panics(t, func() {
		env.Must(env.Parse[string]("TEST_BINDER_UNSET"))
	})
}
