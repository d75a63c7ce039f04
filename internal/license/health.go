package license

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"licensekit/internal/infrastructure"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckResult contains the health of all license components
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id"`
	Components    map[string]*ComponentHealth `json:"components"`
}

// LicenseHealthCheck reports local license state without calling the service
type LicenseHealthCheck struct {
	client *LicenseClient
}

// NewLicenseHealthCheck creates a health check for client
func NewLicenseHealthCheck(client *LicenseClient) *LicenseHealthCheck {
	return &LicenseHealthCheck{client: client}
}

// PerformHealthCheck runs all component checks concurrently
func (hc *LicenseHealthCheck) PerformHealthCheck(ctx context.Context) *HealthCheckResult {
	ctx = infrastructure.EnsureTraceID(ctx)
	start := time.Now()
	ctx, span := startSpan(ctx, "license.health_check", attribute.String("license.operation", "health_check"))

	checks := map[string]func(context.Context) *ComponentHealth{
		"license_session": hc.checkSession,
		"fingerprint":     hc.checkFingerprint,
		"offline_store":   hc.checkOfflineStore,
	}

	result := &HealthCheckResult{
		Timestamp:  start,
		TraceID:    infrastructure.GetTraceID(ctx),
		Components: make(map[string]*ComponentHealth, len(checks)),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for name, check := range checks {
		g.Go(func() error {
			health := check(ctx)
			mu.Lock()
			result.Components[name] = health
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result.OverallStatus = determineOverallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = statusMessage(result.OverallStatus, result.Components)

	span.SetAttributes(attribute.String("health.overall_status", string(result.OverallStatus)))
	endSpan(span, start, "", nil)
	return result
}

func (hc *LicenseHealthCheck) checkSession(_ context.Context) *ComponentHealth {
	health := &ComponentHealth{Timestamp: time.Now(), Metadata: make(map[string]interface{})}

	s := hc.client.Session()
	switch {
	case s == nil:
		health.Status = HealthStatusUnhealthy
		health.Message = "License has not been confirmed"
	case s.Offline && s.Token == nil:
		health.Status = HealthStatusDegraded
		health.Message = "License confirmed from the offline record"
	case hc.client.cache.IsStale():
		health.Status = HealthStatusDegraded
		health.Message = "Access token is due for refresh"
	default:
		health.Status = HealthStatusHealthy
		health.Message = "Access token is fresh"
	}

	if s != nil {
		health.Metadata["license_type"] = int(s.Record.LicenseType)
		health.Metadata["checked_at"] = s.CheckedAt
		if s.Token != nil {
			health.Metadata["token_expires_at"] = s.Token.ExpiresAt
		}
	}
	return health
}

func (hc *LicenseHealthCheck) checkFingerprint(_ context.Context) *ComponentHealth {
	health := &ComponentHealth{Timestamp: time.Now()}
	if _, err := hc.client.HardwareID(); err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Hardware fingerprint unavailable"
		health.Error = err.Error()
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "Hardware fingerprint derived"
	return health
}

func (hc *LicenseHealthCheck) checkOfflineStore(_ context.Context) *ComponentHealth {
	health := &ComponentHealth{Timestamp: time.Now(), Metadata: make(map[string]interface{})}

	store := hc.client.store
	if store == nil {
		health.Status = HealthStatusHealthy
		health.Message = "Offline support disabled"
		health.Metadata["enabled"] = false
		return health
	}

	health.Metadata["enabled"] = true
	health.Metadata["path"] = store.Path()

	fingerprint, err := hc.client.identity.SigningHex()
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Offline record cannot be checked"
		health.Error = err.Error()
		return health
	}

	if _, ok := store.Validate(fingerprint); !ok {
		health.Status = HealthStatusDegraded
		health.Message = "No valid offline record available"
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "Offline record valid"
	return health
}

func determineOverallStatus(components map[string]*ComponentHealth) HealthStatus {
	status := HealthStatusHealthy
	for _, health := range components {
		switch health.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

func statusMessage(status HealthStatus, components map[string]*ComponentHealth) string {
	switch status {
	case HealthStatusHealthy:
		return fmt.Sprintf("All %d license components are healthy", len(components))
	case HealthStatusDegraded:
		return "License operational with degraded components"
	default:
		return "License unavailable"
	}
}
