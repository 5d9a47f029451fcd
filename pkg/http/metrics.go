package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/klwxsrx/go-stream-binder/pkg/metric"
)

const MetricsPath = "/metrics"

func WithMetricsHandler(handler http.Handler) ServerOption {
	return WithHandler(http.MethodGet, MetricsPath, handler)
}

func WithMetrics(metrics metric.Metrics) ServerOption {
	return WithMW(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			handler.ServeHTTP(rec, r)

			metrics.With(metric.Labels{
				"route": routeName(r),
				"code":  strconv.Itoa(rec.code),
			}).Duration("http_request_duration_seconds", time.Since(started))
		})
	})
}
