package security

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/text/language"

	"licensekit/internal/config"
)

// CertificatePinner enforces SPKI SHA-256 pins on verified chains to the license service
type CertificatePinner struct {
	pins map[string]struct{}
}

// NewCertificatePinner creates a pinner from hex encoded SPKI hashes. No pins disables pinning.
func NewCertificatePinner(pins []string) (*CertificatePinner, error) {
	cp := &CertificatePinner{pins: make(map[string]struct{}, len(pins))}
	for _, pin := range pins {
		if err := cp.AddPin(pin); err != nil {
			return nil, err
		}
	}
	return cp, nil
}

// AddPin adds a hex encoded SPKI SHA-256 hash
func (cp *CertificatePinner) AddPin(certHash string) error {
	if len(certHash) != 64 {
		return errors.New("certificate hash must be 64 characters (SHA-256)")
	}
	if _, err := hex.DecodeString(certHash); err != nil {
		return fmt.Errorf("certificate hash must be valid hex: %w", err)
	}
	cp.pins[strings.ToLower(certHash)] = struct{}{}
	return nil
}

// Enabled reports whether any pin is configured
func (cp *CertificatePinner) Enabled() bool {
	return len(cp.pins) > 0
}

// verifyPeerCertificate accepts the connection when any certificate of a verified chain matches a pin
func (cp *CertificatePinner) verifyPeerCertificate(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(verifiedChains) == 0 {
		return errors.New("no verified certificate chains")
	}

	for _, chain := range verifiedChains {
		for _, cert := range chain {
			if _, ok := cp.pins[SPKIHash(cert)]; ok {
				return nil
			}
		}
	}
	return fmt.Errorf("certificate pin verification failed for %s", verifiedChains[0][0].Subject.CommonName)
}

// SPKIHash calculates the SHA-256 hash of the certificate's Subject Public Key Info
func SPKIHash(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(hash[:])
}

// LoadAuthorityPool builds a root pool that trusts only the PEM certificates in path
func LoadAuthorityPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read authority certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no PEM certificates found in %s", path)
	}
	return pool, nil
}

// UserAgent builds the agent string sent with every license request
func UserAgent(appVersion string) string {
	if appVersion == "" {
		appVersion = config.NoAppVersion
	}
	return fmt.Sprintf("%s/%s (%s %s; %s) app/%s",
		config.AppName, config.AgentVersion, runtime.GOOS, runtime.GOARCH, uiLanguage(), appVersion)
}

// uiLanguage returns the BCP 47 tag of the user's locale
func uiLanguage() string {
	for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := os.Getenv(env)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		v, _, _ = strings.Cut(v, ".")
		if tag, err := language.Parse(strings.ReplaceAll(v, "_", "-")); err == nil {
			return tag.String()
		}
	}
	return language.Und.String()
}

// userAgentTransport stamps the user agent on outgoing requests
type userAgentTransport struct {
	agent string
	next  http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(req)
}

// NewServiceClient creates the HTTP client used for all license service traffic.
// The transport is traced with otelhttp, trusts the configured authority and enforces SPKI pins.
func NewServiceClient(cfg config.ServiceConfig, authorityFile, appVersion string) (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if authorityFile != "" {
		pool, err := LoadAuthorityPool(authorityFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	pinner, err := NewCertificatePinner(cfg.PinnedSPKI)
	if err != nil {
		return nil, err
	}
	if pinner.Enabled() {
		tlsConfig.VerifyPeerCertificate = pinner.verifyPeerCertificate
	}

	base := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{
		Transport: &userAgentTransport{
			agent: UserAgent(appVersion),
			next:  otelhttp.NewTransport(base),
		},
		Timeout: cfg.Timeout,
	}, nil
}
