package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	licerrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
	"licensekit/internal/security"
)

const maxResponseBytes = 1 << 20

// ActivationProtocol performs the verify and activate round trips and feeds
// their outcome into the token cache and the offline store.
type ActivationProtocol struct {
	client    *http.Client
	baseURL   *url.URL
	projectID string
	identity  *security.HardwareIdentity
	store     *OfflineLicenseStore
	cache     *TokenCache
	metrics   *LicenseMetrics
	logger    *slog.Logger
}

// NewActivationProtocol wires the protocol. store may be nil when offline support is off.
func NewActivationProtocol(client *http.Client, baseURL *url.URL, projectID uuid.UUID, identity *security.HardwareIdentity,
	store *OfflineLicenseStore, cache *TokenCache, metrics *LicenseMetrics, logger *slog.Logger) *ActivationProtocol {
	return &ActivationProtocol{
		client:    client,
		baseURL:   baseURL,
		projectID: compactUUID(projectID),
		identity:  identity,
		store:     store,
		cache:     cache,
		metrics:   metrics,
		logger:    logger,
	}
}

// compactUUID formats id as 32 hex digits without dashes
func compactUUID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

// Verify confirms the activation of this computer and refreshes the access token.
// If the service cannot be reached, or answers with something unreadable, the
// offline record decides the result.
func (p *ActivationProtocol) Verify(ctx context.Context) (result ComputerCheckResult, err error) {
	ctx = infrastructure.EnsureTraceID(ctx)
	start := time.Now()
	ctx, span := startSpan(ctx, "license.verify", attribute.String("license.operation", "verify"))
	defer func() {
		endSpan(span, start, result.String(), err)
		p.metrics.recordVerify(ctx, time.Since(start), result.String())
	}()

	hwid, err := p.identity.Hex()
	if err != nil {
		return CheckConnectionFailed, fmt.Errorf("failed to derive hardware id: %w", err)
	}

	u := p.projectURL(p.baseURL, "l", "licenses", "activations", "verify")
	u.RawQuery = url.Values{"hwid": {hwid}}.Encode()

	status, body, err := p.do(ctx, http.MethodGet, u)
	if err != nil {
		p.logger.WarnContext(ctx, "license service unreachable", slog.String("error", err.Error()))
		return p.offlineFallback(ctx), nil
	}

	if isSuccess(status) {
		var bundle licenseBundle
		if err := json.Unmarshal(body, &bundle); err != nil {
			p.logger.WarnContext(ctx, "malformed verify response", slog.String("error", err.Error()))
			return p.offlineFallback(ctx), nil
		}
		token, err := ParseAccessToken(bundle.JWT)
		if err != nil {
			p.logger.WarnContext(ctx, "malformed access token", slog.String("error", err.Error()))
			return p.offlineFallback(ctx), nil
		}

		p.cache.Apply(bundle.LicenseRecord, token)
		p.logger.InfoContext(ctx, "license verified",
			slog.Int("license_type", int(bundle.LicenseType)),
			slog.Time("token_expires_at", token.ExpiresAt))

		p.refreshOfflineRecord(ctx, bundle.LicenseRecord)
		return CheckValid, nil
	}

	errs, ok := decodeServiceErrors(body)
	if !ok {
		p.logger.WarnContext(ctx, "unreadable verify error response", slog.Int("status", status))
		return p.offlineFallback(ctx), nil
	}

	if fatal := findFatal(errs); fatal != nil {
		p.revoke(ctx)
		p.logger.ErrorContext(ctx, "hardware id rejected by license service", slog.Int("code", fatal.Code))
		return ComputerCheckResult(fatal.Code), fatal
	}

	p.revoke(ctx)
	result = checkResultFromErrors(errs)
	p.logger.InfoContext(ctx, "license check rejected",
		slog.String("result", result.String()),
		slog.Int("status", status))
	return result, nil
}

// Activate binds this computer to key. Malformed keys are still sent; the
// service decides whether the format is acceptable.
func (p *ActivationProtocol) Activate(ctx context.Context, key string) (result ComputerActivationResult, err error) {
	ctx = infrastructure.EnsureTraceID(ctx)
	start := time.Now()
	ctx, span := startSpan(ctx, "license.activate",
		attribute.String("license.operation", "activate"),
		attribute.String("license.key_prefix", infrastructure.MaskLicenseKey(key)))
	defer func() {
		endSpan(span, start, result.String(), err)
		p.metrics.recordActivation(ctx, time.Since(start), result.String())
	}()

	hwid, err := p.identity.Hex()
	if err != nil {
		return ActivationConnectionFailed, fmt.Errorf("failed to derive hardware id: %w", err)
	}

	query := url.Values{
		"hwid":            {hwid},
		"includeCustomer": {"true"},
		"key":             {key},
	}
	if p.store != nil {
		query.Set("getLicense", "true")
	}
	u := p.projectURL(p.baseURL, "l", "licenses", "activations")
	u.RawQuery = query.Encode()

	status, body, err := p.do(ctx, http.MethodPost, u)
	if err != nil {
		p.logger.WarnContext(ctx, "license service unreachable", slog.String("error", err.Error()))
		return ActivationConnectionFailed, nil
	}

	if isSuccess(status) {
		var bundle licenseBundle
		if err := json.Unmarshal(body, &bundle); err != nil {
			p.logger.WarnContext(ctx, "malformed activation response", slog.String("error", err.Error()))
			return ActivationConnectionFailed, nil
		}
		token, err := ParseAccessToken(bundle.JWT)
		if err != nil {
			p.logger.WarnContext(ctx, "malformed access token", slog.String("error", err.Error()))
			return ActivationConnectionFailed, nil
		}

		if p.store != nil {
			p.persist(ctx, bundle.LicenseRecord)
		}
		p.cache.Apply(bundle.LicenseRecord, token)
		p.logger.InfoContext(ctx, "computer activated",
			slog.String("key", infrastructure.MaskLicenseKey(key)),
			slog.Int("license_type", int(bundle.LicenseType)))
		return ActivationValid, nil
	}

	errs, ok := decodeServiceErrors(body)
	if !ok {
		p.logger.WarnContext(ctx, "unreadable activation error response", slog.Int("status", status))
		return ActivationConnectionFailed, nil
	}

	if fatal := findFatal(errs); fatal != nil {
		p.revoke(ctx)
		p.logger.ErrorContext(ctx, "hardware id rejected by license service", slog.Int("code", fatal.Code))
		return ComputerActivationResult(fatal.Code), fatal
	}

	for _, e := range errs {
		if e.Code == codeInvalidLicenseKeyFormat {
			p.logger.WarnContext(ctx, "license key rejected for its format",
				slog.String("key", infrastructure.MaskLicenseKey(key)))
			return ActivationInvalidKeyFormat, fmt.Errorf("%w: %s", licerrors.ErrInvalidLicenseKeyFormat, e.Message)
		}
	}

	if p.store != nil {
		p.discardOffline(ctx)
	}
	result = activationResultFromErrors(errs)
	p.logger.InfoContext(ctx, "activation rejected",
		slog.String("result", result.String()),
		slog.String("key", infrastructure.MaskLicenseKey(key)))
	return result, nil
}

// refreshOfflineRecord downloads a signed record when the stored one is missing
// or differs from rec. Failures only get logged.
func (p *ActivationProtocol) refreshOfflineRecord(ctx context.Context, rec LicenseRecord) {
	if p.store == nil {
		return
	}
	if current, err := p.store.Load(); err == nil && current.Equal(rec) {
		return
	}

	hwid, err := p.identity.Hex()
	if err != nil {
		return
	}
	u := p.projectURL(p.baseURL, "l", "licenses", "activations")
	u.RawQuery = url.Values{
		"hwid":            {hwid},
		"includeCustomer": {"true"},
		"getLicense":      {"true"},
	}.Encode()

	status, body, err := p.do(ctx, http.MethodGet, u)
	if err != nil || !isSuccess(status) {
		p.logger.WarnContext(ctx, "failed to fetch offline license", slog.Int("status", status))
		return
	}

	var signed LicenseRecord
	if err := json.Unmarshal(body, &signed); err != nil {
		p.logger.WarnContext(ctx, "malformed offline license response", slog.String("error", err.Error()))
		return
	}
	p.persist(ctx, signed)
}

func (p *ActivationProtocol) persist(ctx context.Context, rec LicenseRecord) {
	written, err := p.store.Persist(rec)
	if err != nil {
		p.logger.WarnContext(ctx, "failed to store offline license", slog.String("error", err.Error()))
		return
	}
	if written {
		p.metrics.recordOfflineWrite(ctx)
	}
}

func (p *ActivationProtocol) offlineFallback(ctx context.Context) ComputerCheckResult {
	if p.store == nil {
		return CheckConnectionFailed
	}

	fingerprint, err := p.identity.SigningHex()
	if err != nil {
		return CheckConnectionFailed
	}

	rec, ok := p.store.Validate(fingerprint)
	p.metrics.recordOfflineFallback(ctx, ok)
	if !ok {
		return CheckConnectionFailed
	}

	p.cache.ApplyOffline(rec)
	p.logger.InfoContext(ctx, "license confirmed from offline record",
		slog.Int("license_type", int(rec.LicenseType)))
	return CheckValid
}

// revoke drops all local trust after the service rejected this computer or license
func (p *ActivationProtocol) revoke(ctx context.Context) {
	p.cache.Clear()
	if p.store != nil {
		p.discardOffline(ctx)
	}
}

func (p *ActivationProtocol) discardOffline(ctx context.Context) {
	if err := p.store.Discard(); err != nil {
		p.logger.WarnContext(ctx, "failed to discard offline license", slog.String("error", err.Error()))
	}
}

// projectURL builds base/v1/projects/{id}/elem...
func (p *ActivationProtocol) projectURL(base *url.URL, elem ...string) *url.URL {
	return base.JoinPath(append([]string{"v1", "projects", p.projectID}, elem...)...)
}

// do sends a request and reads the whole response. Transport failures wrap ErrNetwork.
func (p *ActivationProtocol) do(ctx context.Context, method string, u *url.URL) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if traceID := infrastructure.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Request-ID", traceID)
	}
	if bearer := p.cache.Bearer(); bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", licerrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", licerrors.ErrNetwork, err)
	}
	return resp.StatusCode, body, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// decodeServiceErrors reads the error array of a failed verify or activate
func decodeServiceErrors(body []byte) ([]licerrors.ServiceError, bool) {
	var errs []licerrors.ServiceError
	if err := json.Unmarshal(body, &errs); err != nil || len(errs) == 0 {
		return nil, false
	}
	return errs, true
}

// findFatal looks through all errors for a rejected hardware id
func findFatal(errs []licerrors.ServiceError) *licerrors.FatalProtocolError {
	for _, e := range errs {
		if e.Code == codeInvalidHardwareID {
			return &licerrors.FatalProtocolError{Code: e.Code, Message: e.Message}
		}
	}
	return nil
}

// decodeServiceError reads the single error object returned by online endpoints
func decodeServiceError(body []byte) (*licerrors.ServiceError, error) {
	var se licerrors.ServiceError
	if err := json.Unmarshal(body, &se); err != nil {
		return nil, errors.Join(licerrors.ErrMalformedResponse, err)
	}
	if se.Code == 0 && se.Message == "" {
		return nil, licerrors.ErrMalformedResponse
	}
	return &se, nil
}
