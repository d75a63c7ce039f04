package license

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"licensekit/internal/config"
	licerrors "licensekit/internal/errors"
)

// =============================================================================
// Verify / Activate protocol
// =============================================================================

type ActivationProtocolTestSuite struct {
	suite.Suite
	env *testEnv
	ctx context.Context
}

func TestActivationProtocolTestSuite(t *testing.T) {
	suite.Run(t, new(ActivationProtocolTestSuite))
}

func (s *ActivationProtocolTestSuite) SetupTest() {
	s.env = newTestEnv(s.T(), nil)
	s.ctx = context.Background()
}

func (s *ActivationProtocolTestSuite) token(d time.Duration) string {
	return mintToken(s.T(), s.env.clock.Now().Add(d))
}

func (s *ActivationProtocolTestSuite) TestVerifySuccess() {
	rec := testRecord()
	s.env.service.handle(routeVerify, respondBundle(rec, s.token(time.Hour)))
	s.env.service.handle(routeFetchLicense, respondJSON(http.StatusOK, sign(s.T(), rec, testFingerprint, true)))

	result, err := s.env.client.CheckComputer(s.ctx)
	s.Require().NoError(err)
	s.Equal(CheckValid, result)

	req := s.env.service.lastRequest(routeVerify)
	s.Equal(testHardwareHex, req.Query.Get("hwid"))
	s.NotEmpty(req.Header.Get("X-Request-ID"))

	session := s.env.client.Session()
	s.Require().NotNil(session)
	s.False(session.Offline)
	s.True(session.Record.Equal(rec))

	name, err := s.env.client.CustomerName()
	s.NoError(err)
	s.Equal("Jane Doe", name)
	licenseType, err := s.env.client.LicenseType()
	s.NoError(err)
	s.Equal(LicenseType(2), licenseType)

	// The signed record is fetched once and stored for offline use
	fetch := s.env.service.lastRequest(routeFetchLicense)
	s.Equal("true", fetch.Query.Get("getLicense"))
	s.Equal("true", fetch.Query.Get("includeCustomer"))
	s.NotEmpty(fetch.Header.Get("Authorization"))
	_, ok := s.env.client.store.Validate(testFingerprint)
	s.True(ok)

	_, err = s.env.client.CheckComputer(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, s.env.service.count(routeFetchLicense), "unchanged record is not fetched again")
}

func (s *ActivationProtocolTestSuite) TestVerifySendsBearerAfterFirstSuccess() {
	raw := s.token(time.Hour)
	s.env.service.handle(routeVerify, respondBundle(testRecord(), raw))
	s.env.service.handle(routeFetchLicense, respondErrors(http.StatusInternalServerError, serviceError(1)))

	_, err := s.env.client.CheckComputer(s.ctx)
	s.Require().NoError(err)
	s.Empty(s.env.service.lastRequest(routeVerify).Header.Get("Authorization"))

	_, err = s.env.client.CheckComputer(s.ctx)
	s.Require().NoError(err)
	s.Equal("Bearer "+raw, s.env.service.lastRequest(routeVerify).Header.Get("Authorization"))
}

func (s *ActivationProtocolTestSuite) TestVerifyRejectedDiscardsOfflineRecord() {
	s.env.storeSignedRecord(s.T(), testRecord())
	s.env.service.handle(routeVerify, respondErrors(http.StatusForbidden, serviceError(6003)))

	result, err := s.env.client.CheckComputer(s.ctx)
	s.Require().NoError(err)
	s.Equal(CheckLicenseExpired, result)
	s.NoFileExists(s.env.client.store.Path())
	s.Nil(s.env.client.Session())
}

func (s *ActivationProtocolTestSuite) TestVerifyFirstKnownCodeWins() {
	s.env.service.handle(routeVerify, respondErrors(http.StatusBadRequest, serviceError(9999), serviceError(2001)))

	result, err := s.env.client.CheckComputer(s.ctx)
	s.Require().NoError(err)
	s.Equal(CheckLicenseSystemDisabled, result)
}

func (s *ActivationProtocolTestSuite) TestVerifyUnknownCode() {
	s.env.service.handle(routeVerify, respondErrors(http.StatusBadRequest, serviceError(9999)))

	result, err := s.env.client.CheckComputer(s.ctx)
	s.Require().NoError(err)
	s.Equal(ComputerCheckResult(9999), result)
	s.Equal("ComputerCheckResult(9999)", result.String())
}

func (s *ActivationProtocolTestSuite) TestVerifyHardwareIDRejectedIsFatal() {
	s.env.storeSignedRecord(s.T(), testRecord())
	s.env.service.handle(routeVerify, respondErrors(http.StatusBadRequest, serviceError(6002), serviceError(6000)))

	_, err := s.env.client.CheckComputer(s.ctx)
	s.Require().Error(err)
	s.True(licerrors.IsFatal(err))
	s.ErrorIs(err, licerrors.ErrHardwareIDRejected)
	s.NoFileExists(s.env.client.store.Path())
}

func (s *ActivationProtocolTestSuite) TestVerifyMalformedResponseFallsBackOffline() {
	s.env.service.handle(routeVerify, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	})

	result, err := s.env.client.CheckComputer(s.ctx)
	s.Require().NoError(err)
	s.Equal(CheckConnectionFailed, result)

	s.env.storeSignedRecord(s.T(), testRecord())
	result, err = s.env.client.CheckComputer(s.ctx)
	s.Require().NoError(err)
	s.Equal(CheckValid, result)
}

func (s *ActivationProtocolTestSuite) TestActivateSuccess() {
	rec := sign(s.T(), testRecord(), testFingerprint, true)
	s.env.service.handle(routeActivate, respondBundle(rec, s.token(time.Hour)))

	result, err := s.env.client.ActivateComputer(s.ctx, "ABCD-EFGHI")
	s.Require().NoError(err)
	s.Equal(ActivationValid, result)

	req := s.env.service.lastRequest(routeActivate)
	s.Equal(http.MethodPost, req.Method)
	s.Equal("ABCD-EFGHI", req.Query.Get("key"))
	s.Equal(testHardwareHex, req.Query.Get("hwid"))
	s.Equal("true", req.Query.Get("includeCustomer"))
	s.Equal("true", req.Query.Get("getLicense"))

	stored, err := s.env.client.store.Load()
	s.Require().NoError(err)
	s.Equal(rec.Signature, stored.Signature)

	email, err := s.env.client.CustomerEmail()
	s.NoError(err)
	s.Equal("jane@example.com", email)
	exp, err := s.env.client.ExpirationDate()
	s.NoError(err)
	s.Require().NotNil(exp)
	s.True(exp.Equal(*rec.ExpirationDateUTC))
}

func (s *ActivationProtocolTestSuite) TestActivateSendsMalformedKeys() {
	s.env.service.handle(routeActivate, respondErrors(http.StatusBadRequest, serviceError(6005)))

	_, ok := s.env.client.TryParseLicenseKey("12")
	s.False(ok)

	result, err := s.env.client.ActivateComputer(s.ctx, "12")
	s.Equal(1, s.env.service.count(routeActivate))
	s.Equal(ActivationInvalidKeyFormat, result)
	s.ErrorIs(err, licerrors.ErrInvalidLicenseKeyFormat)
}

func (s *ActivationProtocolTestSuite) TestActivateFormatErrorKeepsOfflineRecord() {
	s.env.storeSignedRecord(s.T(), testRecord())
	s.env.service.handle(routeActivate, respondErrors(http.StatusBadRequest, serviceError(6005)))

	_, err := s.env.client.ActivateComputer(s.ctx, "ABCD-EFGHI")
	s.ErrorIs(err, licerrors.ErrInvalidLicenseKeyFormat)
	s.FileExists(s.env.client.store.Path())
}

func (s *ActivationProtocolTestSuite) TestActivateRejected() {
	tests := []struct {
		code int
		want ComputerActivationResult
	}{
		{3011, ActivationLicenseNotFound},
		{6004, ActivationIPLimitExhausted},
		{6006, ActivationLimitExhausted},
		{100, ActivationProjectDisabled},
	}

	for _, tt := range tests {
		s.Run(ComputerActivationResult(tt.code).String(), func() {
			s.env.storeSignedRecord(s.T(), testRecord())
			s.env.service.handle(routeActivate, respondErrors(http.StatusBadRequest, serviceError(tt.code)))

			result, err := s.env.client.ActivateComputer(s.ctx, "ABCD-EFGHI")
			s.Require().NoError(err)
			s.Equal(tt.want, result)
			s.NoFileExists(s.env.client.store.Path())
		})
	}
}

func (s *ActivationProtocolTestSuite) TestActivateHardwareIDRejected() {
	s.env.service.handle(routeActivate, respondErrors(http.StatusBadRequest, serviceError(6005), serviceError(6000)))

	_, err := s.env.client.ActivateComputer(s.ctx, "ABCD-EFGHI")
	s.True(licerrors.IsFatal(err))
}

func (s *ActivationProtocolTestSuite) TestAccessorsRequireCheck() {
	_, err := s.env.client.LicenseType()
	s.ErrorIs(err, licerrors.ErrLicenseNotVerified)
	s.True(licerrors.IsUsageError(err))

	_, err = s.env.client.ExpirationDate()
	s.ErrorIs(err, licerrors.ErrLicenseNotVerified)
	_, err = s.env.client.CustomerName()
	s.ErrorIs(err, licerrors.ErrLicenseNotVerified)
	_, err = s.env.client.CustomerEmail()
	s.ErrorIs(err, licerrors.ErrLicenseNotVerified)
}

// =============================================================================
// Unreachable service
// =============================================================================

func TestCheckComputerOffline(t *testing.T) {
	t.Run("valid offline record", func(t *testing.T) {
		env := newTestEnv(t, nil, WithHTTPClient(unreachableClient()))
		env.storeSignedRecord(t, testRecord())

		result, err := env.client.CheckComputer(context.Background())
		require.NoError(t, err)
		assert.Equal(t, CheckValid, result)

		session := env.client.Session()
		require.NotNil(t, session)
		assert.True(t, session.Offline)
		assert.Nil(t, session.Token)

		licenseType, err := env.client.LicenseType()
		require.NoError(t, err)
		assert.Equal(t, LicenseType(2), licenseType)
		require.NoError(t, env.client.Require(context.Background(), 2))
	})

	t.Run("no offline record", func(t *testing.T) {
		env := newTestEnv(t, nil, WithHTTPClient(unreachableClient()))

		result, err := env.client.CheckComputer(context.Background())
		require.NoError(t, err)
		assert.Equal(t, CheckConnectionFailed, result)
	})

	t.Run("offline support disabled", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *config.Config) {
			cfg.Features.AllowOffline = false
			cfg.Project.PublicKeyPEM = ""
		}, WithHTTPClient(unreachableClient()))
		assert.Nil(t, env.client.store)

		result, err := env.client.CheckComputer(context.Background())
		require.NoError(t, err)
		assert.Equal(t, CheckConnectionFailed, result)
	})

	t.Run("record signed for another computer", func(t *testing.T) {
		env := newTestEnv(t, nil, WithHTTPClient(unreachableClient()))
		_, err := env.client.store.Persist(sign(t, testRecord(), "0A-FF-10-43", true))
		require.NoError(t, err)

		result, err := env.client.CheckComputer(context.Background())
		require.NoError(t, err)
		assert.Equal(t, CheckConnectionFailed, result)
	})

	t.Run("activation has no fallback", func(t *testing.T) {
		env := newTestEnv(t, nil, WithHTTPClient(unreachableClient()))
		env.storeSignedRecord(t, testRecord())

		result, err := env.client.ActivateComputer(context.Background(), "ABCD-EFGHI")
		require.NoError(t, err)
		assert.Equal(t, ActivationConnectionFailed, result)
		assert.FileExists(t, env.client.store.Path())
	})
}

func TestActivateRateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Activation.RatePerMinute = 1
		cfg.Activation.Burst = 1
	})
	env.service.handle(routeActivate, respondErrors(http.StatusBadRequest, serviceError(3011)))

	result, err := env.client.ActivateComputer(context.Background(), "ABCD-EFGHI")
	require.NoError(t, err)
	assert.Equal(t, ActivationLicenseNotFound, result)

	_, err = env.client.ActivateComputer(context.Background(), "ABCD-EFGHI")
	assert.ErrorIs(t, err, licerrors.ErrRateLimited)
	assert.Equal(t, 1, env.service.count(routeActivate))
}

// =============================================================================
// Access guard
// =============================================================================

func TestAccessGuard(t *testing.T) {
	t.Run("refreshes only when stale", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.service.handle(routeVerify, func(w http.ResponseWriter, r *http.Request) {
			respondBundle(testRecord(), mintToken(t, env.clock.Now().Add(5*time.Minute)))(w, r)
		})
		env.service.handle(routeFetchLicense, respondErrors(http.StatusNotFound, serviceError(1)))
		ctx := context.Background()

		require.NoError(t, env.client.VerifyAccess(ctx))
		require.NoError(t, env.client.VerifyAccess(ctx))
		assert.Equal(t, 1, env.service.count(routeVerify))

		// 4m30s later the token expires within the 60s margin
		env.clock.Advance(4*time.Minute + 30*time.Second)
		require.NoError(t, env.client.VerifyAccess(ctx))
		assert.Equal(t, 2, env.service.count(routeVerify))
	})

	t.Run("concurrent callers share one verify", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *config.Config) { cfg.Features.AllowOffline = false; cfg.Project.PublicKeyPEM = "" })
		var inFlight, maxInFlight atomic.Int32
		env.service.handle(routeVerify, func(w http.ResponseWriter, r *http.Request) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			respondBundle(testRecord(), mintToken(t, env.clock.Now().Add(time.Hour)))(w, r)
		})

		var g errgroup.Group
		for i := 0; i < 25; i++ {
			g.Go(func() error {
				return env.client.VerifyAccess(context.Background())
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, 1, env.service.count(routeVerify))
		assert.Equal(t, int32(1), maxInFlight.Load())
	})

	t.Run("require and check", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.service.handle(routeVerify, respondBundle(testRecord(), mintToken(t, env.clock.Now().Add(time.Hour))))
		env.service.handle(routeFetchLicense, respondErrors(http.StatusNotFound, serviceError(1)))
		ctx := context.Background()

		assert.ErrorIs(t, env.client.Require(ctx, 1), licerrors.ErrUnauthorized)
		assert.NoError(t, env.client.Require(ctx, 1, 2))

		ok, err := env.client.Check(ctx, 3)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = env.client.Check(ctx, 2)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("check surfaces refresh failures", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.service.handle(routeVerify, respondErrors(http.StatusForbidden, serviceError(6002)))

		ok, err := env.client.Check(context.Background(), 2)
		assert.False(t, ok)
		var failed *LicenseCheckFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, CheckLicenseDeactivated, failed.Result)
	})
}

func TestVerifyAccessOfflineSingleVerify(t *testing.T) {
	var calls atomic.Int32
	slow := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return nil, errors.New("connection refused")
	})}
	env := newTestEnv(t, nil, WithHTTPClient(slow))
	env.storeSignedRecord(t, testRecord())

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			return env.client.VerifyAccess(context.Background())
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), calls.Load())

	session := env.client.Session()
	require.NotNil(t, session)
	assert.True(t, session.Offline)
}

// =============================================================================
// Process wide client
// =============================================================================

func TestInitialize(t *testing.T) {
	ResetDefaultForTesting()
	t.Cleanup(ResetDefaultForTesting)
	ctx := context.Background()

	_, err := Default()
	assert.ErrorIs(t, err, licerrors.ErrNotInitialized)
	assert.ErrorIs(t, VerifyAccess(ctx), licerrors.ErrNotInitialized)
	assert.ErrorIs(t, Require(ctx, 1), licerrors.ErrNotInitialized)
	_, err = Check(ctx, 1)
	assert.ErrorIs(t, err, licerrors.ErrNotInitialized)
	_, err = CheckComputer(ctx)
	assert.True(t, licerrors.IsUsageError(err))
	_, err = ActivateComputer(ctx, "ABCD-EFGHI")
	assert.ErrorIs(t, err, licerrors.ErrNotInitialized)
	_, _, err = TryParseLicenseKey("ABCD-EFGHI")
	assert.ErrorIs(t, err, licerrors.ErrNotInitialized)

	service := newFakeLicenseService(t)
	cfg := newTestConfig(t, service.server.URL)
	client, err := Initialize(cfg, WithHTTPClient(service.server.Client()))
	require.NoError(t, err)

	got, err := Default()
	require.NoError(t, err)
	assert.Same(t, client, got)

	key, ok, err := TryParseLicenseKey("abcd-efghi")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ABCDEFGHI", key)

	_, err = Initialize(cfg)
	assert.ErrorIs(t, err, licerrors.ErrAlreadyInitialized)
	assert.True(t, licerrors.IsUsageError(err))
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	cfg := newTestConfig(t, "http://127.0.0.1:1")

	bad := *cfg
	bad.Project.ID = "not-a-uuid"
	_, err := newClient(&bad)
	assert.Error(t, err)

	bad = *cfg
	bad.Project.PublicKeyPEM = "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"
	_, err = newClient(&bad, WithHTTPClient(http.DefaultClient))
	assert.Error(t, err)

	missing := *cfg
	missing.Project.PublicKeyPEM = ""
	missing.Project.PublicKeyFile = "/does/not/exist.pem"
	_, err = newClient(&missing, WithHTTPClient(http.DefaultClient))
	assert.Error(t, err)
}
