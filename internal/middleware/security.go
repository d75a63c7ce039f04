package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"licensekit/internal/infrastructure"
)

// AuditLog records who called a sensitive endpoint and how it ended.
// License keys in the query string are masked.
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	logger = infrastructure.WithComponent(logger, "audit")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			query := r.URL.Query()
			if key := query.Get("key"); key != "" {
				query.Set("key", infrastructure.MaskLicenseKey(key))
			}

			next.ServeHTTP(ww, r)

			logger.InfoContext(ctx, "audit log",
				slog.String("event_type", "license_api"),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("query", query.Encode()),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
