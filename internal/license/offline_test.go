package license

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensekit/internal/infrastructure"
)

func newTestStore(t *testing.T, includeCustomer bool) *OfflineLicenseStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "license.elements")
	store := NewOfflineLicenseStore(path, &testKey(t).PublicKey, includeCustomer,
		infrastructure.NewLoggerWithWriter(io.Discard, "debug"))
	store.now = newTestClock().Now
	return store
}

// =============================================================================
// Persist / Validate round trip
// =============================================================================

func TestOfflineLicenseStoreRoundTrip(t *testing.T) {
	for _, includeCustomer := range []bool{true, false} {
		store := newTestStore(t, includeCustomer)
		rec := sign(t, testRecord(), testFingerprint, includeCustomer)

		written, err := store.Persist(rec)
		require.NoError(t, err)
		assert.True(t, written)

		got, ok := store.Validate(testFingerprint)
		require.True(t, ok, "includeCustomer=%v", includeCustomer)
		assert.True(t, got.Equal(rec))
		assert.Equal(t, rec.Signature, got.Signature)
	}
}

func TestOfflineLicenseStoreValidateRejects(t *testing.T) {
	t.Run("other fingerprint", func(t *testing.T) {
		store := newTestStore(t, true)
		_, err := store.Persist(sign(t, testRecord(), testFingerprint, true))
		require.NoError(t, err)

		_, ok := store.Validate("0A-FF-10-43")
		assert.False(t, ok)
	})

	t.Run("signed without customer fields", func(t *testing.T) {
		store := newTestStore(t, true)
		_, err := store.Persist(sign(t, testRecord(), testFingerprint, false))
		require.NoError(t, err)

		_, ok := store.Validate(testFingerprint)
		assert.False(t, ok)
	})

	t.Run("tampered license type", func(t *testing.T) {
		store := newTestStore(t, true)
		_, err := store.Persist(sign(t, testRecord(), testFingerprint, true))
		require.NoError(t, err)

		content, err := os.ReadFile(store.Path())
		require.NoError(t, err)
		tampered := strings.Replace(string(content), "License Type: 2", "License Type: 9", 1)
		require.NoError(t, os.WriteFile(store.Path(), []byte(tampered), 0o600))

		_, ok := store.Validate(testFingerprint)
		assert.False(t, ok)
	})

	t.Run("expired", func(t *testing.T) {
		store := newTestStore(t, true)
		_, err := store.Persist(sign(t, testRecord(), testFingerprint, true))
		require.NoError(t, err)

		store.now = func() time.Time { return time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC) }
		_, ok := store.Validate(testFingerprint)
		assert.False(t, ok)
	})

	t.Run("missing file", func(t *testing.T) {
		store := newTestStore(t, true)
		_, ok := store.Validate(testFingerprint)
		assert.False(t, ok)
	})

	t.Run("no public key", func(t *testing.T) {
		store := newTestStore(t, true)
		_, err := store.Persist(sign(t, testRecord(), testFingerprint, true))
		require.NoError(t, err)

		store.publicKey = nil
		_, ok := store.Validate(testFingerprint)
		assert.False(t, ok)
	})
}

func TestOfflineLicenseStorePersistIdempotent(t *testing.T) {
	store := newTestStore(t, true)
	rec := sign(t, testRecord(), testFingerprint, true)

	_, err := store.Persist(rec)
	require.NoError(t, err)
	first, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	// A fresh signature over the same values must not rewrite the file
	written, err := store.Persist(sign(t, testRecord(), testFingerprint, true))
	require.NoError(t, err)
	assert.False(t, written)

	second, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	changed := testRecord()
	changed.CustomerName = "John Doe"
	written, err = store.Persist(sign(t, changed, testFingerprint, true))
	require.NoError(t, err)
	assert.True(t, written)

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "John Doe", got.CustomerName)
}

func TestOfflineLicenseStorePersistRequiresSignature(t *testing.T) {
	store := newTestStore(t, true)

	written, err := store.Persist(testRecord())
	assert.Error(t, err)
	assert.False(t, written)
	assert.NoFileExists(t, store.Path())
}

func TestOfflineLicenseStoreDiscard(t *testing.T) {
	store := newTestStore(t, true)

	require.NoError(t, store.Discard(), "discarding a missing file")

	_, err := store.Persist(sign(t, testRecord(), testFingerprint, true))
	require.NoError(t, err)
	require.FileExists(t, store.Path())

	require.NoError(t, store.Discard())
	assert.NoFileExists(t, store.Path())
	require.NoError(t, store.Discard())

	_, ok := store.Validate(testFingerprint)
	assert.False(t, ok)
}

// =============================================================================
// File format
// =============================================================================

func TestEncodeLicenseFile(t *testing.T) {
	rec := LicenseRecord{
		LicenseType:   4,
		CustomerName:  "Jane Doe",
		CustomerEmail: "jane@example.com",
		Signature:     strings.Repeat("AB", 35),
	}

	lines := strings.Split(strings.TrimSuffix(string(EncodeLicenseFile(rec)), "\n"), "\n")

	require.Len(t, lines, 9)
	assert.Equal(t, "----------BEGIN LICENSE----------", lines[0])
	assert.Equal(t, "Name: Jane Doe", lines[1])
	assert.Equal(t, "E-Mail: jane@example.com", lines[2])
	assert.Equal(t, "License Type: 4", lines[3])
	assert.Equal(t, "Expiration: Never", lines[4])
	assert.Len(t, lines[5], 32)
	assert.Len(t, lines[6], 32)
	assert.Len(t, lines[7], 6)
	assert.Equal(t, "-----------END LICENSE-----------", lines[8])
}

func TestParseLicenseFile(t *testing.T) {
	t.Run("CRLF and surrounding whitespace", func(t *testing.T) {
		content := "\r\n  ----------BEGIN LICENSE----------\r\n" +
			"Name: Jane Doe\r\n" +
			"E-Mail: jane@example.com\r\n" +
			"License Type: 2\r\n" +
			"Expiration: 2030-06-01T00:00:00.0000000Z\r\n" +
			"0123456789ABCDEF0123456789ABCDEF\r\n" +
			"  FEDC\r\n" +
			"-----------END LICENSE-----------\r\n\r\n"

		rec, err := ParseLicenseFile(content)
		require.NoError(t, err)
		assert.Equal(t, "Jane Doe", rec.CustomerName)
		assert.Equal(t, "jane@example.com", rec.CustomerEmail)
		assert.Equal(t, LicenseType(2), rec.LicenseType)
		require.NotNil(t, rec.ExpirationDateUTC)
		assert.True(t, rec.ExpirationDateUTC.Equal(time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)))
		assert.Equal(t, "0123456789ABCDEF0123456789ABCDEFFEDC", rec.Signature)
	})

	t.Run("lowercase markers and never", func(t *testing.T) {
		content := "---begin license---\nName: \nE-Mail: \nLicense Type: 1\nExpiration: never\nabcd\n---end license---"

		rec, err := ParseLicenseFile(content)
		require.NoError(t, err)
		assert.Empty(t, rec.CustomerName)
		assert.Nil(t, rec.ExpirationDateUTC)
		assert.Equal(t, "abcd", rec.Signature)
	})

	t.Run("classic mac line endings", func(t *testing.T) {
		content := "-----BEGIN LICENSE-----\rName: A\rE-Mail: B\rLicense Type: 3\rExpiration: Never\rFF00\r-----END LICENSE-----"

		rec, err := ParseLicenseFile(content)
		require.NoError(t, err)
		assert.Equal(t, "A", rec.CustomerName)
		assert.Equal(t, "B", rec.CustomerEmail)
		assert.Equal(t, "FF00", rec.Signature)
	})

	t.Run("encode then parse", func(t *testing.T) {
		rec := sign(t, testRecord(), testFingerprint, true)

		got, err := ParseLicenseFile(string(EncodeLicenseFile(rec)))
		require.NoError(t, err)
		assert.True(t, got.Equal(rec))
		assert.Equal(t, rec.Signature, got.Signature)
	})

	invalid := map[string]string{
		"empty":          "",
		"no signature":   "---BEGIN LICENSE---\nName: A\nE-Mail: B\nLicense Type: 1\nExpiration: Never\n---END LICENSE---",
		"no footer":      "---BEGIN LICENSE---\nName: A\nE-Mail: B\nLicense Type: 1\nExpiration: Never\nABCD\n",
		"bad type":       "---BEGIN LICENSE---\nName: A\nE-Mail: B\nLicense Type: one\nExpiration: Never\nABCD\n---END LICENSE---",
		"bad expiration": "---BEGIN LICENSE---\nName: A\nE-Mail: B\nLicense Type: 1\nExpiration: soon\nABCD\n---END LICENSE---",
		"trailing text":  "---BEGIN LICENSE---\nName: A\nE-Mail: B\nLicense Type: 1\nExpiration: Never\nABCD\n---END LICENSE---\nextra",
	}
	for name, content := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLicenseFile(content)
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// Public keys
// =============================================================================

func TestParsePublicKey(t *testing.T) {
	pub := &testKey(t).PublicKey

	t.Run("PKIX PEM", func(t *testing.T) {
		key, err := ParsePublicKey(testPublicKeyPEM(t))
		require.NoError(t, err)
		assert.True(t, pub.Equal(key))
	})

	t.Run("PKCS1 PEM", func(t *testing.T) {
		text := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(pub)})
		key, err := ParsePublicKey(string(text))
		require.NoError(t, err)
		assert.True(t, pub.Equal(key))
	})

	t.Run("XML key value", func(t *testing.T) {
		text := "<RSAKeyValue><Modulus>" + base64.StdEncoding.EncodeToString(pub.N.Bytes()) +
			"</Modulus><Exponent>" + base64.StdEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()) +
			"</Exponent></RSAKeyValue>"
		key, err := ParsePublicKey(text)
		require.NoError(t, err)
		assert.True(t, pub.Equal(key))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParsePublicKey("not a key")
		assert.Error(t, err)
	})
}
