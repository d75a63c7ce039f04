package middleware

import (
	"context"

	"licensekit/internal/license"
)

// LicenseGuard is the part of the license client the gate needs.
// *license.LicenseClient and *license.AccessGuard both satisfy it.
type LicenseGuard interface {
	VerifyAccess(ctx context.Context) error
	Require(ctx context.Context, allowed ...license.LicenseType) error
}
