package license

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessToken is the bearer credential issued by verify and activate.
// Only its expiration is read; the signature is checked by the service.
type AccessToken struct {
	Raw       string
	ExpiresAt time.Time
}

var tokenParser = jwt.NewParser(jwt.WithPaddingAllowed())

// ParseAccessToken decodes the exp claim of raw
func ParseAccessToken(raw string) (AccessToken, error) {
	if raw == "" {
		return AccessToken{}, errors.New("empty access token")
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := tokenParser.ParseUnverified(raw, claims); err != nil {
		return AccessToken{}, fmt.Errorf("failed to decode access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return AccessToken{}, errors.New("access token has no exp claim")
	}

	return AccessToken{Raw: raw, ExpiresAt: claims.ExpiresAt.UTC()}, nil
}

// StaleAt reports whether the token must be refreshed at now given margin.
// A token is stale once exp <= now+margin.
func (t AccessToken) StaleAt(now time.Time, margin time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(margin))
}
