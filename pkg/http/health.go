package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

const (
	HealthPath = "/healthz"

	healthCheckTimeout = 3 * time.Second
	statusOK           = "OK"
	statusFailed       = "FAILED"
)

// HealthCheck reports whether a dependency of the process is usable.
type HealthCheck func(ctx context.Context) error

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func WithHealthCheck(checks map[string]HealthCheck) ServerOption {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		resp := healthResponse{Status: statusOK}
		code := http.StatusOK
		for _, name := range names {
			if resp.Checks == nil {
				resp.Checks = make(map[string]string, len(names))
			}

			err := checks[name](ctx)
			if err != nil {
				resp.Status = statusFailed
				resp.Checks[name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = statusOK
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}

	return WithHandler(http.MethodGet, HealthPath, http.HandlerFunc(handler))
}
