package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"licensekit/internal/infrastructure"
)

// LicenseMetrics holds the license client's OpenTelemetry instruments.
// A nil *LicenseMetrics records nothing.
type LicenseMetrics struct {
	VerifyAttempts     metric.Int64Counter
	ActivationAttempts metric.Int64Counter
	OperationDuration  metric.Float64Histogram
	TokenRefreshes     metric.Int64Counter
	OfflineFallbacks   metric.Int64Counter
	OfflineWrites      metric.Int64Counter
	OnlineCalls        metric.Int64Counter
	RateLimitHits      metric.Int64Counter
}

// InitializeLicenseMetrics creates all license metrics on meter
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	metrics := &LicenseMetrics{}

	var err error

	metrics.VerifyAttempts, err = meter.Int64Counter(
		"license_verify_attempts_total",
		metric.WithDescription("Total number of license verifications by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify attempts counter: %w", err)
	}

	metrics.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	metrics.OperationDuration, err = meter.Float64Histogram(
		"license_operation_duration_seconds",
		metric.WithDescription("License service round trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	metrics.TokenRefreshes, err = meter.Int64Counter(
		"license_token_refreshes_total",
		metric.WithDescription("Total number of access token refreshes triggered by gated calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token refresh counter: %w", err)
	}

	metrics.OfflineFallbacks, err = meter.Int64Counter(
		"license_offline_fallbacks_total",
		metric.WithDescription("Total number of offline license checks after the service was unreachable"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create offline fallback counter: %w", err)
	}

	metrics.OfflineWrites, err = meter.Int64Counter(
		"license_offline_records_written_total",
		metric.WithDescription("Total number of offline license files written"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create offline write counter: %w", err)
	}

	metrics.OnlineCalls, err = meter.Int64Counter(
		"license_online_calls_total",
		metric.WithDescription("Total number of online variable and method calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create online call counter: %w", err)
	}

	metrics.RateLimitHits, err = meter.Int64Counter(
		"license_rate_limit_hits_total",
		metric.WithDescription("Total number of activation attempts rejected by the local rate limiter"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit counter: %w", err)
	}

	return metrics, nil
}

func (m *LicenseMetrics) recordVerify(ctx context.Context, duration time.Duration, result string) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("operation", "verify"),
		attribute.String("result", result),
	)
	m.VerifyAttempts.Add(ctx, 1, labels)
	m.OperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("operation", "verify")))
}

func (m *LicenseMetrics) recordActivation(ctx context.Context, duration time.Duration, result string) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("operation", "activate"),
		attribute.String("result", result),
	)
	m.ActivationAttempts.Add(ctx, 1, labels)
	m.OperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("operation", "activate")))
}

func (m *LicenseMetrics) recordRefresh(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenRefreshes.Add(ctx, 1)
}

func (m *LicenseMetrics) recordOfflineFallback(ctx context.Context, valid bool) {
	if m == nil {
		return
	}
	m.OfflineFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("valid", valid)))
}

func (m *LicenseMetrics) recordOfflineWrite(ctx context.Context) {
	if m == nil {
		return
	}
	m.OfflineWrites.Add(ctx, 1)
}

func (m *LicenseMetrics) recordOnlineCall(ctx context.Context, kind string, success bool) {
	if m == nil {
		return
	}
	m.OnlineCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
	))
}

func (m *LicenseMetrics) recordRateLimitHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitHits.Add(ctx, 1)
}

// startSpan opens a span for a license service operation
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(infrastructure.InstrumentationName)
	attrs = append(attrs, attribute.String("component", "license"))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records the outcome of an operation on span and ends it
func endSpan(span trace.Span, start time.Time, result string, err error) {
	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(time.Since(start).Milliseconds())),
		attribute.String("license.result", result),
	)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result != "Valid" && result != "":
		span.SetStatus(codes.Error, result)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
