package license

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"licensekit/internal/config"
	licerrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
	"licensekit/internal/security"
)

// LicenseClient owns all license state of the process: fingerprint, token
// session, offline record and the service connection.
type LicenseClient struct {
	projectID       string
	formatter       *LicenseKeyFormatter
	identity        *security.HardwareIdentity
	store           *OfflineLicenseStore
	cache           *TokenCache
	protocol        *ActivationProtocol
	guard           *AccessGuard
	limiter         *rate.Limiter
	httpClient      *http.Client
	execURL         *url.URL
	enforceVarTypes bool
	metrics         *LicenseMetrics
	logger          *slog.Logger
}

type clientOptions struct {
	httpClient *http.Client
	identity   *security.HardwareIdentity
	now        func() time.Time
	logger     *slog.Logger
	metrics    *LicenseMetrics
}

// Option customizes a LicenseClient
type Option func(*clientOptions)

// WithHTTPClient replaces the pinned service client
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithHardwareIdentity replaces the host derived fingerprint
func WithHardwareIdentity(id *security.HardwareIdentity) Option {
	return func(o *clientOptions) { o.identity = id }
}

// WithClock replaces time.Now for token and offline expiry decisions
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) { o.now = now }
}

// WithLogger sets the base logger
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithMetrics enables metric recording
func WithMetrics(m *LicenseMetrics) Option {
	return func(o *clientOptions) { o.metrics = m }
}

// newClient builds a client from cfg. Programs go through Initialize so only
// one client, and one refresh gate, exists per process.
func newClient(cfg *config.Config, opts ...Option) (*LicenseClient, error) {
	o := clientOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	projectID, err := uuid.Parse(cfg.Project.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid project id: %w", err)
	}
	baseURL, err := url.Parse(cfg.Service.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid service base url: %w", err)
	}
	execURL, err := url.Parse(cfg.Service.ExecURL)
	if err != nil {
		return nil, fmt.Errorf("invalid service exec url: %w", err)
	}

	logger := infrastructure.WithComponent(o.logger, "license")

	if o.identity == nil {
		o.identity = security.NewHardwareIdentity(security.HostIdentitySource{Logger: logger})
	}
	if o.httpClient == nil {
		o.httpClient, err = security.NewServiceClient(cfg.Service, cfg.ResolvePath(cfg.Service.AuthorityCertFile), cfg.Project.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to create service client: %w", err)
		}
	}

	var store *OfflineLicenseStore
	if cfg.Features.AllowOffline {
		pemText, err := cfg.PublicKey()
		if err != nil {
			return nil, err
		}
		key, err := ParsePublicKey(pemText)
		if err != nil {
			return nil, fmt.Errorf("invalid license public key: %w", err)
		}
		store = NewOfflineLicenseStore(cfg.LicenseFilePath(), key, cfg.Features.IncludeCustomer, logger)
		store.now = o.now
	}

	var limiter *rate.Limiter
	if cfg.Activation.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Activation.RatePerMinute/60), max(cfg.Activation.Burst, 1))
	}

	cache := NewTokenCache(cfg.Token.RefreshMargin, o.now)
	protocol := NewActivationProtocol(o.httpClient, baseURL, projectID, o.identity, store, cache, o.metrics, logger)

	c := &LicenseClient{
		projectID:       compactUUID(projectID),
		formatter:       NewLicenseKeyFormatter(cfg.Project.KeyTemplate),
		identity:        o.identity,
		store:           store,
		cache:           cache,
		protocol:        protocol,
		limiter:         limiter,
		httpClient:      o.httpClient,
		execURL:         execURL,
		enforceVarTypes: cfg.Features.EnforceVariableTypes,
		metrics:         o.metrics,
		logger:          logger,
	}
	c.guard = NewAccessGuard(cache, c.refresh)
	return c, nil
}

// CheckComputer verifies the activation of this computer
func (c *LicenseClient) CheckComputer(ctx context.Context) (ComputerCheckResult, error) {
	return c.protocol.Verify(ctx)
}

// ActivateComputer activates this computer with key. The key is sent as typed;
// use TryParseLicenseKey first for immediate feedback.
func (c *LicenseClient) ActivateComputer(ctx context.Context, key string) (ComputerActivationResult, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.metrics.recordRateLimitHit(ctx)
		c.logger.WarnContext(ctx, "activation throttled", slog.String("key", infrastructure.MaskLicenseKey(key)))
		return ActivationConnectionFailed, licerrors.ErrRateLimited
	}
	return c.protocol.Activate(ctx, key)
}

// VerifyAccess makes sure a fresh access token is held
func (c *LicenseClient) VerifyAccess(ctx context.Context) error {
	return c.guard.VerifyAccess(ctx)
}

// Require fails unless the license is confirmed and its type is one of allowed
func (c *LicenseClient) Require(ctx context.Context, allowed ...LicenseType) error {
	return c.guard.Require(ctx, allowed...)
}

// Check reports whether the license type is one of allowed
func (c *LicenseClient) Check(ctx context.Context, allowed ...LicenseType) (bool, error) {
	return c.guard.Check(ctx, allowed...)
}

// TryParseLicenseKey validates raw against the key template
func (c *LicenseClient) TryParseLicenseKey(raw string) (string, bool) {
	return c.formatter.Validate(raw)
}

// KeyFormatter exposes the configured key template
func (c *LicenseClient) KeyFormatter() *LicenseKeyFormatter {
	return c.formatter
}

// HardwareID returns the fingerprint as sent to the service
func (c *LicenseClient) HardwareID() (string, error) {
	return c.identity.Hex()
}

// Session returns the current license snapshot or nil
func (c *LicenseClient) Session() *Session {
	return c.cache.Snapshot()
}

// LicenseType returns the type of the confirmed license
func (c *LicenseClient) LicenseType() (LicenseType, error) {
	s, err := c.verifiedSession("LicenseType")
	if err != nil {
		return 0, err
	}
	return s.Record.LicenseType, nil
}

// ExpirationDate returns the license expiration, nil for licenses that never expire
func (c *LicenseClient) ExpirationDate() (*time.Time, error) {
	s, err := c.verifiedSession("ExpirationDate")
	if err != nil {
		return nil, err
	}
	return s.Record.ExpirationDateUTC, nil
}

// CustomerName returns the licensee name
func (c *LicenseClient) CustomerName() (string, error) {
	s, err := c.verifiedSession("CustomerName")
	if err != nil {
		return "", err
	}
	return s.Record.CustomerName, nil
}

// CustomerEmail returns the licensee e-mail address
func (c *LicenseClient) CustomerEmail() (string, error) {
	s, err := c.verifiedSession("CustomerEmail")
	if err != nil {
		return "", err
	}
	return s.Record.CustomerEmail, nil
}

func (c *LicenseClient) verifiedSession(op string) (*Session, error) {
	s := c.cache.Snapshot()
	if s == nil {
		return nil, licerrors.NewUsageError(op, licerrors.ErrLicenseNotVerified)
	}
	return s, nil
}

// refresh is the token cache's refresh hook
func (c *LicenseClient) refresh(ctx context.Context) (ComputerCheckResult, error) {
	c.metrics.recordRefresh(ctx)
	return c.protocol.Verify(ctx)
}

var (
	defaultMu     sync.Mutex
	defaultClient *LicenseClient
)

// Initialize creates the process wide client. It must be called exactly once.
func Initialize(cfg *config.Config, opts ...Option) (*LicenseClient, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultClient != nil {
		return nil, licerrors.NewUsageError("Initialize", licerrors.ErrAlreadyInitialized)
	}

	c, err := newClient(cfg, opts...)
	if err != nil {
		return nil, err
	}
	defaultClient = c
	return c, nil
}

// Default returns the client installed by Initialize
func Default() (*LicenseClient, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultClient == nil {
		return nil, licerrors.NewUsageError("Default", licerrors.ErrNotInitialized)
	}
	return defaultClient, nil
}

func defaultFor(op string) (*LicenseClient, error) {
	c, err := Default()
	if err != nil {
		return nil, licerrors.NewUsageError(op, licerrors.ErrNotInitialized)
	}
	return c, nil
}

// CheckComputer verifies the activation using the default client
func CheckComputer(ctx context.Context) (ComputerCheckResult, error) {
	c, err := defaultFor("CheckComputer")
	if err != nil {
		return CheckConnectionFailed, err
	}
	return c.CheckComputer(ctx)
}

// ActivateComputer activates this computer using the default client
func ActivateComputer(ctx context.Context, key string) (ComputerActivationResult, error) {
	c, err := defaultFor("ActivateComputer")
	if err != nil {
		return ActivationConnectionFailed, err
	}
	return c.ActivateComputer(ctx, key)
}

// VerifyAccess checks the token of the default client
func VerifyAccess(ctx context.Context) error {
	c, err := defaultFor("VerifyAccess")
	if err != nil {
		return err
	}
	return c.VerifyAccess(ctx)
}

// Require checks the license type of the default client
func Require(ctx context.Context, allowed ...LicenseType) error {
	c, err := defaultFor("Require")
	if err != nil {
		return err
	}
	return c.Require(ctx, allowed...)
}

// Check reports whether the default client's license type is one of allowed
func Check(ctx context.Context, allowed ...LicenseType) (bool, error) {
	c, err := defaultFor("Check")
	if err != nil {
		return false, err
	}
	return c.Check(ctx, allowed...)
}

// TryParseLicenseKey validates raw against the default client's key template
func TryParseLicenseKey(raw string) (string, bool, error) {
	c, err := defaultFor("TryParseLicenseKey")
	if err != nil {
		return "", false, err
	}
	key, ok := c.TryParseLicenseKey(raw)
	return key, ok, nil
}

// ResetDefaultForTesting removes the process wide client so tests can call
// Initialize again
func ResetDefaultForTesting() {
	defaultMu.Lock()
	defaultClient = nil
	defaultMu.Unlock()
}
