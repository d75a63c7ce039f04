package license

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ExpirationLayout is the round-trip ISO-8601 form used in signatures and license files
const ExpirationLayout = "2006-01-02T15:04:05.0000000Z07:00"

// LicenseType is the project-defined numeric license tier
type LicenseType int

// LicenseRecord is the license metadata returned by the service. Signature is only
// present when an offline license was requested.
type LicenseRecord struct {
	LicenseType       LicenseType `json:"licenseType"`
	ExpirationDateUTC *time.Time  `json:"expirationDateUtc,omitempty"`
	CustomerName      string      `json:"customerName"`
	CustomerEmail     string      `json:"customerEmail"`
	Signature         string      `json:"signature,omitempty"`
}

// licenseBundle is the success body of verify and activate
type licenseBundle struct {
	LicenseRecord
	JWT string `json:"jwt"`
}

// UnmarshalJSON is needed because the promoted LicenseRecord decoder would hide JWT
func (b *licenseBundle) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &b.LicenseRecord); err != nil {
		return err
	}
	var token struct {
		JWT string `json:"jwt"`
	}
	if err := json.Unmarshal(data, &token); err != nil {
		return err
	}
	b.JWT = token.JWT
	return nil
}

// UnmarshalJSON accepts expiration instants with or without a zone designator.
// Instants without a zone are UTC.
func (r *LicenseRecord) UnmarshalJSON(data []byte) error {
	type alias LicenseRecord
	aux := struct {
		*alias
		Expiration *string `json:"expirationDateUtc"`
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.ExpirationDateUTC = nil
	if aux.Expiration != nil && *aux.Expiration != "" {
		t, err := parseInstant(*aux.Expiration)
		if err != nil {
			return fmt.Errorf("invalid expirationDateUtc: %w", err)
		}
		r.ExpirationDateUTC = &t
	}
	return nil
}

// Equal compares everything except the signature
func (r LicenseRecord) Equal(other LicenseRecord) bool {
	if r.LicenseType != other.LicenseType ||
		r.CustomerName != other.CustomerName ||
		r.CustomerEmail != other.CustomerEmail {
		return false
	}
	if r.ExpirationDateUTC == nil || other.ExpirationDateUTC == nil {
		return r.ExpirationDateUTC == nil && other.ExpirationDateUTC == nil
	}
	return r.ExpirationDateUTC.Equal(*other.ExpirationDateUTC)
}

// Expired reports whether the record has an expiration at or before now
func (r LicenseRecord) Expired(now time.Time) bool {
	return r.ExpirationDateUTC != nil && !now.Before(*r.ExpirationDateUTC)
}

// SigningString rebuilds the canonical text the service signed for this record.
// fingerprint is the dashed uppercase hex form of the hardware identity.
func (r LicenseRecord) SigningString(fingerprint string, includeCustomer bool) string {
	var b strings.Builder
	if includeCustomer {
		writeGeneralized(&b, r.CustomerName)
		writeGeneralized(&b, r.CustomerEmail)
	}
	b.WriteString(fingerprint)
	b.WriteString(strconv.Itoa(int(r.LicenseType)))
	if r.ExpirationDateUTC != nil {
		b.WriteString(formatExpiration(*r.ExpirationDateUTC))
	}
	return b.String()
}

// writeGeneralized appends s uppercased with all whitespace removed
func writeGeneralized(b *strings.Builder, s string) {
	for _, c := range s {
		if unicode.IsSpace(c) {
			continue
		}
		b.WriteRune(unicode.ToUpper(c))
	}
}

func formatExpiration(t time.Time) string {
	return t.UTC().Format(ExpirationLayout)
}

func parseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
