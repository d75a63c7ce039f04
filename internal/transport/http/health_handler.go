package http

import (
	"log/slog"
	"net/http"
	"runtime"

	"github.com/go-chi/render"

	"licensekit/internal/infrastructure"
	"licensekit/internal/license"
)

// HealthHandler serves the health and version endpoints
type HealthHandler struct {
	check   *license.LicenseHealthCheck
	version string
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(check *license.LicenseHealthCheck, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		check:   check,
		version: version,
		logger:  infrastructure.WithComponent(logger, "health_handler"),
	}
}

// HealthCheck handles GET /healthz
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	result := h.check.PerformHealthCheck(r.Context())
	if result.OverallStatus == license.HealthStatusUnhealthy {
		h.logger.WarnContext(r.Context(), "health check unhealthy", slog.String("message", result.Message))
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, result)
}

// LivenessCheck handles GET /healthz/live
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "alive"})
}

// Version handles GET /api/version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{
		"version":    h.version,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	})
}
