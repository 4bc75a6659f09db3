package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/angelmondragon/fieldsync/pkg/logger"
)

// Logging emits one request.complete line per request. Sync writes carry
// their Idempotency-Key so replays can be traced back to the device queue.
func Logging(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logg == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fields := map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
			}
			if key := r.Header.Get(idempotencyHeader); key != "" {
				fields["idempotency_key"] = key
			}
			ctx := logg.WithFields(r.Context(), fields)
			logg.Debug(ctx, "request.start")

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ctx = logg.WithFields(ctx, map[string]any{
				"status":      status,
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
			logg.Info(ctx, "request.complete")
		})
	}
}
