package license

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	licenseHeader      = "----------BEGIN LICENSE----------"
	licenseFooter      = "-----------END LICENSE-----------"
	neverExpires       = "Never"
	signatureLineWidth = 32
)

var licenseFilePattern = regexp.MustCompile(`(?i)^\s*-+BEGIN LICENSE-+\s*(?:\r\n|\r|\n)` +
	`\s*Name: (.*?)(?:\r\n|\r|\n)` +
	`\s*E-Mail: (.*?)(?:\r\n|\r|\n)` +
	`\s*License Type:\s*(\d+?)(?:\r\n|\r|\n)` +
	`\s*Expiration:\s*(.*?)(?:\r\n|\r|\n)` +
	`(?s:(.*?))-+END LICENSE-+\s*$`)

var errNoSignature = errors.New("license file contains no signature")

// OfflineLicenseStore keeps a signed license record on disk so the license can
// be confirmed while the service is unreachable.
type OfflineLicenseStore struct {
	path            string
	publicKey       *rsa.PublicKey
	includeCustomer bool
	now             func() time.Time
	logger          *slog.Logger

	mu sync.Mutex
}

// NewOfflineLicenseStore creates a store for the file at path
func NewOfflineLicenseStore(path string, publicKey *rsa.PublicKey, includeCustomer bool, logger *slog.Logger) *OfflineLicenseStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &OfflineLicenseStore{
		path:            path,
		publicKey:       publicKey,
		includeCustomer: includeCustomer,
		now:             time.Now,
		logger:          logger,
	}
}

// Path returns the license file location
func (s *OfflineLicenseStore) Path() string {
	return s.path
}

// Persist writes rec unless the stored record already has the same values.
// It reports whether the file was written.
func (s *OfflineLicenseStore) Persist(rec LicenseRecord) (bool, error) {
	if strings.TrimSpace(rec.Signature) == "" {
		return false, errNoSignature
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, err := s.load(); err == nil && current.Equal(rec) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create license directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, EncodeLicenseFile(rec), 0o600); err != nil {
		return false, fmt.Errorf("failed to write license file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("failed to replace license file: %w", err)
	}

	s.logger.Info("offline license stored",
		slog.String("path", s.path),
		slog.Int("license_type", int(rec.LicenseType)))
	return true, nil
}

// Load reads and parses the stored record without checking its signature
func (s *OfflineLicenseStore) Load() (LicenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *OfflineLicenseStore) load() (LicenseRecord, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return LicenseRecord{}, err
	}
	return ParseLicenseFile(string(content))
}

// Validate reports whether the stored record is unexpired and carries a valid
// signature for fingerprint. Any failure, including a missing file, yields false.
func (s *OfflineLicenseStore) Validate(fingerprint string) (LicenseRecord, bool) {
	rec, err := s.Load()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("offline license unreadable", slog.String("error", err.Error()))
		}
		return LicenseRecord{}, false
	}

	if rec.Expired(s.now()) {
		s.logger.Info("offline license expired")
		return LicenseRecord{}, false
	}

	if err := VerifySignature(s.publicKey, rec.SigningString(fingerprint, s.includeCustomer), rec.Signature); err != nil {
		s.logger.Warn("offline license signature rejected", slog.String("error", err.Error()))
		return LicenseRecord{}, false
	}

	return rec, true
}

// Discard removes the stored record. A missing file is not an error.
func (s *OfflineLicenseStore) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to discard offline license: %w", err)
	}
	return nil
}

// EncodeLicenseFile renders rec in the license file format
func EncodeLicenseFile(rec LicenseRecord) []byte {
	var b bytes.Buffer
	b.WriteString(licenseHeader + "\n")
	b.WriteString("Name: " + rec.CustomerName + "\n")
	b.WriteString("E-Mail: " + rec.CustomerEmail + "\n")
	b.WriteString("License Type: " + strconv.Itoa(int(rec.LicenseType)) + "\n")
	if rec.ExpirationDateUTC != nil {
		b.WriteString("Expiration: " + formatExpiration(*rec.ExpirationDateUTC) + "\n")
	} else {
		b.WriteString("Expiration: " + neverExpires + "\n")
	}

	sig := rec.Signature
	for len(sig) > 0 {
		n := min(signatureLineWidth, len(sig))
		b.WriteString(sig[:n] + "\n")
		sig = sig[n:]
	}

	b.WriteString(licenseFooter + "\n")
	return b.Bytes()
}

// ParseLicenseFile parses the license file format. Surrounding whitespace and any
// line ending style are accepted.
func ParseLicenseFile(content string) (LicenseRecord, error) {
	m := licenseFilePattern.FindStringSubmatch(content)
	if m == nil {
		return LicenseRecord{}, errors.New("license file has an invalid format")
	}

	licenseType, err := strconv.Atoi(m[3])
	if err != nil {
		return LicenseRecord{}, fmt.Errorf("invalid license type: %w", err)
	}

	rec := LicenseRecord{
		LicenseType:   LicenseType(licenseType),
		CustomerName:  m[1],
		CustomerEmail: m[2],
	}

	if exp := strings.TrimSpace(m[4]); !strings.EqualFold(exp, neverExpires) {
		t, err := parseInstant(exp)
		if err != nil {
			return LicenseRecord{}, fmt.Errorf("invalid expiration: %w", err)
		}
		rec.ExpirationDateUTC = &t
	}

	rec.Signature = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, m[5])
	if rec.Signature == "" {
		return LicenseRecord{}, errNoSignature
	}

	return rec, nil
}

// VerifySignature checks a hex encoded RSA PKCS#1 v1.5 SHA-256 signature over text
func VerifySignature(key *rsa.PublicKey, text, signatureHex string) error {
	if key == nil {
		return errors.New("no public key configured")
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("signature is not hex encoded: %w", err)
	}
	digest := sha256.Sum256([]byte(text))
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig)
}

// ParsePublicKey reads an RSA public key from PEM (PKIX or PKCS#1) or from the
// <RSAKeyValue> XML form exported by the license service.
func ParsePublicKey(text string) (*rsa.PublicKey, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "<") {
		return parseXMLPublicKey(text)
	}

	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, errors.New("public key is neither PEM nor XML")
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want RSA", key)
		}
		return rsaKey, nil
	}
}

func parseXMLPublicKey(text string) (*rsa.PublicKey, error) {
	var kv struct {
		Modulus  string `xml:"Modulus"`
		Exponent string `xml:"Exponent"`
	}
	if err := xml.Unmarshal([]byte(text), &kv); err != nil {
		return nil, fmt.Errorf("failed to parse XML public key: %w", err)
	}

	n, err := base64.StdEncoding.DecodeString(strings.TrimSpace(kv.Modulus))
	if err != nil || len(n) == 0 {
		return nil, errors.New("XML public key has an invalid modulus")
	}
	e, err := base64.StdEncoding.DecodeString(strings.TrimSpace(kv.Exponent))
	if err != nil || len(e) == 0 || len(e) > 4 {
		return nil, errors.New("XML public key has an invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}
