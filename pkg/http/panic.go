package http

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
)

func WithPanicRecovery(logger log.Logger) ServerOption {
	return WithMW(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				msg := recover()
				if msg == nil {
					return
				}

				logger.WithField("panic", log.Fields{
					"message": fmt.Sprintf("%v", msg),
					"stack":   string(debug.Stack()),
				}).Error(r.Context(), "request handled with panic")
				w.WriteHeader(http.StatusInternalServerError)
			}()

			handler.ServeHTTP(w, r)
		})
	})
}
