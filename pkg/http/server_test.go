package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkghttp "github.com/klwxsrx/go-stream-binder/pkg/http"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/metric"
)

func TestServer_HealthCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		checks map[string]pkghttp.HealthCheck
		code   int
		body   map[string]any
	}{
		{
			name: "no checks",
			code: http.StatusOK,
			body: map[string]any{"status": "OK"},
		},
		{
			name: "healthy binder",
			checks: map[string]pkghttp.HealthCheck{
				"sql": func(context.Context) error { return nil },
			},
			code: http.StatusOK,
			body: map[string]any{"status": "OK", "checks": map[string]any{"sql": "OK"}},
		},
		{
			name: "failed binder",
			checks: map[string]pkghttp.HealthCheck{
				"sql":   func(context.Context) error { return nil },
				"redis": func(context.Context) error { return errors.New("connection refused") },
			},
			code: http.StatusServiceUnavailable,
			body: map[string]any{
				"status": "FAILED",
				"checks": map[string]any{"sql": "OK", "redis": "connection refused"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := pkghttp.NewServer(pkghttp.DefaultServerAddress, pkghttp.WithHealthCheck(tt.checks))
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, pkghttp.HealthPath, nil))

			assert.Equal(t, tt.code, rec.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestServer_MetricsAndLogging(t *testing.T) {
	t.Parallel()

	prom := metric.NewPrometheus("test")
	logs := &bytes.Buffer{}
	srv := pkghttp.NewServer(
		pkghttp.DefaultServerAddress,
		pkghttp.WithLogging(log.New(log.LevelInfo, log.WithOutput(logs))),
		pkghttp.WithMetrics(prom.Metrics()),
		pkghttp.WithMetricsHandler(prom.Handler()),
		pkghttp.WithHandler(http.MethodGet, "/bindings", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})),
	)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bindings", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, logs.String(), `"route_name":"get_bindings"`)
	assert.Contains(t, logs.String(), `"response_code":202`)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, pkghttp.MetricsPath, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_http_request_duration_seconds_count{code="202",route="get_bindings"} 1`)
	assert.Equal(t, 1, strings.Count(logs.String(), "request handled"))
}

func TestServer_PanicRecovery(t *testing.T) {
	t.Parallel()

	logs := &bytes.Buffer{}
	srv := pkghttp.NewServer(
		pkghttp.DefaultServerAddress,
		pkghttp.WithPanicRecovery(log.New(log.LevelInfo, log.WithOutput(logs))),
		pkghttp.WithHandler(http.MethodGet, "/panic", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		})),
	)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, logs.String(), "request handled with panic")
}

func TestServer_ListenerStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	srv := pkghttp.NewServer("127.0.0.1:0")

	done := make(chan error, 1)
	go func() { done <- srv.Listener(ctx) }()
	cancel()

	assert.NoError(t, <-done)
}
