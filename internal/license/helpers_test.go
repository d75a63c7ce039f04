package license

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"licensekit/internal/config"
	licerrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
	"licensekit/internal/security"
)

const (
	testProjectID        = "8a5c2f0e-3b1d-4c6e-9f7a-1b2c3d4e5f60"
	testProjectIDCompact = "8a5c2f0e3b1d4c6e9f7a1b2c3d4e5f60"
	testHardwareHex      = "0aff1042"
	testFingerprint      = "0A-FF-10-42"
)

var testFingerprintBytes = []byte{0x0a, 0xff, 0x10, 0x42}

var testRSAKey = sync.OnceValues(func() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
})

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := testRSAKey()
	require.NoError(t, err)
	return key
}

func testPublicKeyPEM(t *testing.T) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&testKey(t).PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// sign returns rec with a signature over its canonical string for fingerprint
func sign(t *testing.T, rec LicenseRecord, fingerprint string, includeCustomer bool) LicenseRecord {
	t.Helper()
	digest := sha256.Sum256([]byte(rec.SigningString(fingerprint, includeCustomer)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, testKey(t), crypto.SHA256, digest[:])
	require.NoError(t, err)
	rec.Signature = strings.ToUpper(hex.EncodeToString(sig))
	return rec
}

func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "activation",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	raw, err := token.SignedString([]byte("service-secret"))
	require.NoError(t, err)
	return raw
}

func testRecord() LicenseRecord {
	exp := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	return LicenseRecord{
		LicenseType:       2,
		ExpirationDateUTC: &exp,
		CustomerName:      "Jane Doe",
		CustomerEmail:     "jane@example.com",
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordedRequest is what the fake service saw
type recordedRequest struct {
	Method string
	Query  url.Values
	Header http.Header
}

// fakeLicenseService mimics the license service routes
type fakeLicenseService struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	requests map[string][]recordedRequest
	calls    map[string]*atomic.Int32
}

const (
	routeVerify       = "verify"
	routeActivate     = "activate"
	routeFetchLicense = "fetch_license"
	routeVariable     = "variable"
	routeMethod       = "method"
)

func newFakeLicenseService(t *testing.T) *fakeLicenseService {
	f := &fakeLicenseService{
		t:        t,
		handlers: make(map[string]http.HandlerFunc),
		requests: make(map[string][]recordedRequest),
		calls:    make(map[string]*atomic.Int32),
	}
	for _, name := range []string{routeVerify, routeActivate, routeFetchLicense, routeVariable, routeMethod} {
		f.calls[name] = &atomic.Int32{}
	}

	r := chi.NewRouter()
	r.Route("/v1/projects/{projectID}/l", func(r chi.Router) {
		r.Get("/licenses/activations/verify", f.route(routeVerify))
		r.Post("/licenses/activations", f.route(routeActivate))
		r.Get("/licenses/activations", f.route(routeFetchLicense))
		r.Get("/variables/{name}", f.route(routeVariable))
	})
	r.Get("/exec/v1/{projectID}/{method}", f.route(routeMethod))

	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeLicenseService) route(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.calls[name].Add(1)
		if got := chi.URLParam(r, "projectID"); got != testProjectIDCompact {
			http.Error(w, "unknown project "+got, http.StatusNotFound)
			return
		}

		f.mu.Lock()
		f.requests[name] = append(f.requests[name], recordedRequest{
			Method: r.Method,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
		})
		h := f.handlers[name]
		f.mu.Unlock()

		if h == nil {
			http.Error(w, "no handler", http.StatusInternalServerError)
			return
		}
		h(w, r)
	}
}

func (f *fakeLicenseService) handle(name string, h http.HandlerFunc) {
	f.mu.Lock()
	f.handlers[name] = h
	f.mu.Unlock()
}

func (f *fakeLicenseService) count(name string) int {
	return int(f.calls[name].Load())
}

func (f *fakeLicenseService) lastRequest(name string) recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs := f.requests[name]
	require.NotEmpty(f.t, reqs, "no %s request recorded", name)
	return reqs[len(reqs)-1]
}

func respondJSON(status int, v any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.Status(r, status)
		render.JSON(w, r, v)
	}
}

func respondBundle(rec LicenseRecord, token string) http.HandlerFunc {
	return respondJSON(http.StatusOK, licenseBundle{LicenseRecord: rec, JWT: token})
}

func respondErrors(status int, errs ...licerrors.ServiceError) http.HandlerFunc {
	return respondJSON(status, errs)
}

func serviceError(code int) licerrors.ServiceError {
	return licerrors.ServiceError{Type: "LicenseError", Message: fmt.Sprintf("service error %d", code), Code: code}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// unreachableClient fails every request like a refused connection
func unreachableClient() *http.Client {
	return &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, &url.Error{Op: "Get", URL: "https://license.invalid", Err: io.ErrUnexpectedEOF}
	})}
}

type testEnv struct {
	service *fakeLicenseService
	cfg     *config.Config
	clock   *testClock
	client  *LicenseClient
}

// newTestConfig returns a configuration pointing at baseURL with offline support on
func newTestConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Project.ID = testProjectID
	cfg.Project.KeyTemplate = "&&&&-&&&&&"
	cfg.Project.PublicKeyPEM = testPublicKeyPEM(t)
	cfg.Service.BaseURL = baseURL + "/"
	cfg.Service.ExecURL = baseURL + "/exec/"
	cfg.Features.AllowOffline = true
	cfg.Activation.RatePerMinute = 0
	cfg.Paths.LicenseFile = filepath.Join(t.TempDir(), config.LicenseFileName)
	return cfg
}

// newTestEnv starts a fake service and a client talking to it. mutate may adjust the config.
func newTestEnv(t *testing.T, mutate func(*config.Config), opts ...Option) *testEnv {
	t.Helper()
	service := newFakeLicenseService(t)
	cfg := newTestConfig(t, service.server.URL)
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	clock := newTestClock()
	base := []Option{
		WithHTTPClient(service.server.Client()),
		WithHardwareIdentity(security.NewStaticHardwareIdentity(testFingerprintBytes)),
		WithClock(clock.Now),
		WithLogger(infrastructure.NewLoggerWithWriter(io.Discard, "debug")),
	}
	client, err := newClient(cfg, append(base, opts...)...)
	require.NoError(t, err)

	return &testEnv{service: service, cfg: cfg, clock: clock, client: client}
}

// storeSignedRecord writes a valid offline license for the test fingerprint
func (e *testEnv) storeSignedRecord(t *testing.T, rec LicenseRecord) {
	t.Helper()
	written, err := e.client.store.Persist(sign(t, rec, testFingerprint, true))
	require.NoError(t, err)
	require.True(t, written)
}
