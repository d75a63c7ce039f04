// Package license binds an application instance to this computer through the
// license service and gates feature access behind a short lived access token.
//
// # Components
//
//	- LicenseKeyFormatter: syntactic check of user entered keys against the project template
//	- ActivationProtocol: verify and activate round trips, result mapping
//	- TokenCache: current session snapshot and the single refresh gate
//	- OfflineLicenseStore: signed license file used while the service is unreachable
//	- AccessGuard: VerifyAccess, Require and Check
//	- LicenseClient: owns all of the above for one process
//
// # Usage
//
//	client, err := license.Initialize(cfg)
//	if err != nil {
//		return err
//	}
//	result, err := client.CheckComputer(ctx)
//	if err == nil && !result.Valid() {
//		result, err := client.ActivateComputer(ctx, key)
//		...
//	}
//	if err := client.Require(ctx, proLicense); err != nil {
//		return err
//	}
//
// # Token refresh
//
// A token is stale when it is missing or expires within the configured margin
// (60s by default). Gated calls that see a stale token queue on a capacity one
// semaphore and re-check once they hold it, so concurrent callers at expiry
// cause a single verify request.
//
// # Offline license
//
// With offline support enabled, activation requests a signed record that is
// written to license.elements next to the executable:
//
//	----------BEGIN LICENSE----------
//	Name: Jane Doe
//	E-Mail: jane@example.com
//	License Type: 1
//	Expiration: Never
//	3A0F...
//	-----------END LICENSE-----------
//
// The signature is RSA PKCS#1 v1.5 over SHA-256 of the customer fields, the
// dashed hardware fingerprint, the license type and the expiration. When the
// service cannot be reached the record is checked against the configured
// public key instead. Any rejection by the service deletes the file.
//
// # Errors
//
// Usage errors (not initialized, license not checked) wrap the sentinels in
// licensekit/internal/errors. A rejected hardware id is returned as
// *errors.FatalProtocolError and must not be retried. Gated calls fail with
// *LicenseCheckFailedError carrying the check result.
package license
