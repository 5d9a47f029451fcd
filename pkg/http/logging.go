package http

import (
	"net/http"
	"slices"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
)

func WithLogging(logger log.Logger, excludedPaths ...string) ServerOption {
	excludedPaths = append(excludedPaths, HealthPath, MetricsPath)

	return WithMW(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(excludedPaths, r.URL.Path) {
				handler.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			handler.ServeHTTP(rec, r)

			logger.With(log.Fields{
				"route_name":    routeName(r),
				"method":        r.Method,
				"uri":           r.RequestURI,
				"response_code": rec.code,
			}).Info(r.Context(), "request handled")
		})
	})
}
