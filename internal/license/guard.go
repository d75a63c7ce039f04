package license

import (
	"context"
	"slices"

	licerrors "licensekit/internal/errors"
)

// AccessGuard gates feature execution behind a fresh access token
type AccessGuard struct {
	cache   *TokenCache
	refresh RefreshFunc
}

// NewAccessGuard creates a guard that refreshes through refresh
func NewAccessGuard(cache *TokenCache, refresh RefreshFunc) *AccessGuard {
	return &AccessGuard{cache: cache, refresh: refresh}
}

// VerifyAccess refreshes the token when it is stale and returns the refresh failure as is
func (g *AccessGuard) VerifyAccess(ctx context.Context) error {
	return g.cache.EnsureFresh(ctx, g.refresh)
}

// Require fails with ErrUnauthorized when the license type is not one of allowed
func (g *AccessGuard) Require(ctx context.Context, allowed ...LicenseType) error {
	ok, err := g.Check(ctx, allowed...)
	if err != nil {
		return err
	}
	if !ok {
		return licerrors.ErrUnauthorized
	}
	return nil
}

// Check is Require with the authorization decision returned as a bool.
// Refresh failures are still returned as errors.
func (g *AccessGuard) Check(ctx context.Context, allowed ...LicenseType) (bool, error) {
	if err := g.VerifyAccess(ctx); err != nil {
		return false, err
	}
	s := g.cache.Snapshot()
	if s == nil {
		return false, licerrors.NewUsageError("Check", licerrors.ErrLicenseNotVerified)
	}
	return slices.Contains(allowed, s.Record.LicenseType), nil
}
