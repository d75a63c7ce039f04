package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	licerrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
	"licensekit/internal/license"
)

// LicenseGate rejects requests unless the license is confirmed with a fresh access token
type LicenseGate struct {
	guard           LicenseGuard
	logger          *slog.Logger
	excludePaths    []string
	excludePrefixes []string
	licensePageURL  string
	metrics         *GateMetrics
}

// GateMetrics holds OpenTelemetry metrics for the license gate
type GateMetrics struct {
	RequestsTotal      metric.Int64Counter
	DeniedTotal        metric.Int64Counter
	PathExclusions     metric.Int64Counter
	ValidationDuration metric.Float64Histogram
}

// InitializeGateMetrics creates the gate metrics on meter
func InitializeGateMetrics(meter metric.Meter) (*GateMetrics, error) {
	m := &GateMetrics{}
	var err error

	m.RequestsTotal, err = meter.Int64Counter("license_gate_requests_total",
		metric.WithDescription("Total number of requests passing through the license gate"))
	if err != nil {
		return nil, fmt.Errorf("failed to create gate request counter: %w", err)
	}

	m.DeniedTotal, err = meter.Int64Counter("license_gate_denied_total",
		metric.WithDescription("Total number of requests rejected by the license gate"))
	if err != nil {
		return nil, fmt.Errorf("failed to create gate denial counter: %w", err)
	}

	m.PathExclusions, err = meter.Int64Counter("license_gate_path_exclusions_total",
		metric.WithDescription("Total number of requests on paths excluded from the license gate"))
	if err != nil {
		return nil, fmt.Errorf("failed to create gate exclusion counter: %w", err)
	}

	m.ValidationDuration, err = meter.Float64Histogram("license_gate_validation_duration_seconds",
		metric.WithDescription("Time spent confirming the license for a request"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create gate duration histogram: %w", err)
	}

	return m, nil
}

// NewLicenseGate creates a gate in front of guard. The local license API and
// operational endpoints are excluded so an unlicensed computer can still be activated.
func NewLicenseGate(guard LicenseGuard, logger *slog.Logger) *LicenseGate {
	return &LicenseGate{
		guard:  guard,
		logger: infrastructure.WithComponent(logger, "license_gate"),
		excludePaths: []string{
			"/api/license/status",
			"/api/license/activate",
			"/api/license/key",
			"/healthz",
			"/metrics",
		},
	}
}

// Handler returns middleware that only lets requests through with a confirmed license
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return g.gate(nil, next)
}

// Require returns middleware that additionally demands one of the allowed license types
func (g *LicenseGate) Require(allowed ...license.LicenseType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.gate(allowed, next)
	}
}

func (g *LicenseGate) gate(allowed []license.LicenseType, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer(infrastructure.InstrumentationName).Start(r.Context(), "license_gate.validate",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("component", "license_gate"),
			),
		)
		defer span.End()
		r = r.WithContext(ctx)

		traceID := GetRequestID(ctx)

		if g.metrics != nil {
			g.metrics.RequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("method", r.Method)))
		}

		if g.shouldExcludePath(r.URL.Path) {
			span.SetAttributes(attribute.String("license.validation", "excluded"))
			if g.metrics != nil {
				g.metrics.PathExclusions.Add(ctx, 1)
			}
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		var err error
		if len(allowed) > 0 {
			err = g.guard.Require(ctx, allowed...)
		} else {
			err = g.guard.VerifyAccess(ctx)
		}
		duration := time.Since(start)

		if g.metrics != nil {
			g.metrics.ValidationDuration.Record(ctx, duration.Seconds())
		}
		span.SetAttributes(
			attribute.String("license.validation", "performed"),
			attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "license denied")
			if g.metrics != nil {
				g.metrics.DeniedTotal.Add(ctx, 1)
			}
			g.logger.WarnContext(ctx, "request denied by license gate",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
				slog.String("trace_id", traceID),
				slog.Duration("validation_duration", duration))
			g.deny(w, r, err, traceID)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *LicenseGate) deny(w http.ResponseWriter, r *http.Request, err error, traceID string) {
	if g.licensePageURL != "" && !isAPIRequest(r) {
		g.redirectToLicensePage(w, r)
		return
	}
	_ = render.Render(w, r, licerrors.ProblemFromError(err, traceID))
}

// redirectToLicensePage sends browsers to the activation page and remembers where they were going
func (g *LicenseGate) redirectToLicensePage(w http.ResponseWriter, r *http.Request) {
	target := g.licensePageURL
	returnURL := r.URL.Path
	if r.URL.RawQuery != "" {
		returnURL += "?" + r.URL.RawQuery
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	target += sep + url.Values{"return": {returnURL}}.Encode()
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (g *LicenseGate) shouldExcludePath(path string) bool {
	if slices.Contains(g.excludePaths, path) {
		return true
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// AddExcludePath adds a path to be excluded from license validation
func (g *LicenseGate) AddExcludePath(path string) {
	g.excludePaths = append(g.excludePaths, path)
}

// AddExcludePrefix adds a path prefix to be excluded from license validation
func (g *LicenseGate) AddExcludePrefix(prefix string) {
	g.excludePrefixes = append(g.excludePrefixes, prefix)
}

// SetLicensePageURL makes the gate redirect non-API requests to pageURL instead
// of answering with a problem document
func (g *LicenseGate) SetLicensePageURL(pageURL string) {
	g.licensePageURL = pageURL
}

// SetMetrics sets the OpenTelemetry metrics for the gate
func (g *LicenseGate) SetMetrics(metrics *GateMetrics) {
	g.metrics = metrics
}

// isAPIRequest checks if the request expects a JSON response
func isAPIRequest(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}
