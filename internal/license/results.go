package license

import (
	"fmt"

	licerrors "licensekit/internal/errors"
)

// ComputerCheckResult is the outcome of verifying an already activated computer
type ComputerCheckResult int

const (
	CheckValid                 ComputerCheckResult = 0
	CheckConnectionFailed      ComputerCheckResult = 1
	CheckProjectDisabled       ComputerCheckResult = 100
	CheckProjectNotFound       ComputerCheckResult = 101
	CheckLicenseSystemNotFound ComputerCheckResult = 2000
	CheckLicenseSystemDisabled ComputerCheckResult = 2001
	CheckLicenseSystemExpired  ComputerCheckResult = 2003
	CheckLicenseNotFound       ComputerCheckResult = 6001
	CheckLicenseDeactivated    ComputerCheckResult = 6002
	CheckLicenseExpired        ComputerCheckResult = 6003
	CheckIPLimitExhausted      ComputerCheckResult = 6004
)

// ComputerActivationResult is the outcome of activating a computer with a license key.
// ActivationInvalidKeyFormat is only ever returned together with ErrInvalidLicenseKeyFormat.
type ComputerActivationResult int

const (
	ActivationValid                 ComputerActivationResult = 0
	ActivationConnectionFailed      ComputerActivationResult = 1
	ActivationProjectDisabled       ComputerActivationResult = 100
	ActivationProjectNotFound       ComputerActivationResult = 101
	ActivationLicenseSystemNotFound ComputerActivationResult = 2000
	ActivationLicenseSystemDisabled ComputerActivationResult = 2001
	ActivationLicenseSystemExpired  ComputerActivationResult = 2003
	ActivationLicenseNotFound       ComputerActivationResult = 3011
	ActivationLicenseDeactivated    ComputerActivationResult = 6002
	ActivationLicenseExpired        ComputerActivationResult = 6003
	ActivationIPLimitExhausted      ComputerActivationResult = 6004
	ActivationInvalidKeyFormat      ComputerActivationResult = 6005
	ActivationLimitExhausted        ComputerActivationResult = 6006
)

// Service error codes with special handling
const (
	codeInvalidHardwareID       = 6000
	codeInvalidLicenseKeyFormat = 6005
	codeVariableNotFound        = 7003
	codeMethodNotFound          = 8015
	codeMethodExecutionFailed   = 8018
)

var checkResultNames = map[ComputerCheckResult]string{
	CheckValid:                 "Valid",
	CheckConnectionFailed:      "ConnectionFailed",
	CheckProjectDisabled:       "ProjectDisabled",
	CheckProjectNotFound:       "ProjectNotFound",
	CheckLicenseSystemNotFound: "LicenseSystemNotFound",
	CheckLicenseSystemDisabled: "LicenseSystemDisabled",
	CheckLicenseSystemExpired:  "LicenseSystemExpired",
	CheckLicenseNotFound:       "LicenseNotFound",
	CheckLicenseDeactivated:    "LicenseDeactivated",
	CheckLicenseExpired:        "LicenseExpired",
	CheckIPLimitExhausted:      "IpLimitExhausted",
}

var activationResultNames = map[ComputerActivationResult]string{
	ActivationValid:                 "Valid",
	ActivationConnectionFailed:      "ConnectionFailed",
	ActivationProjectDisabled:       "ProjectDisabled",
	ActivationProjectNotFound:       "ProjectNotFound",
	ActivationLicenseSystemNotFound: "LicenseSystemNotFound",
	ActivationLicenseSystemDisabled: "LicenseSystemDisabled",
	ActivationLicenseSystemExpired:  "LicenseSystemExpired",
	ActivationLicenseNotFound:       "LicenseNotFound",
	ActivationLicenseDeactivated:    "LicenseDeactivated",
	ActivationLicenseExpired:        "LicenseExpired",
	ActivationIPLimitExhausted:      "IpLimitExhausted",
	ActivationInvalidKeyFormat:      "InvalidLicenseKeyFormat",
	ActivationLimitExhausted:        "ActivationLimitExhausted",
}

// Plain-language texts shown to end users, keyed by result name
var resultMessages = map[string]string{
	"Valid":                    "The license is valid.",
	"ConnectionFailed":         "The connection failed. Please make sure that your computer is connected to the internet and that your firewall allows the connection and try again.",
	"ProjectDisabled":          "The project that hosts the licenses was disabled. Please contact the product owner.",
	"ProjectNotFound":          "The project that hosts the licenses was not found. Please contact the product owner.",
	"LicenseSystemNotFound":    "The license system was not found. Please contact the product owner.",
	"LicenseSystemDisabled":    "The license system was disabled. Please contact the product owner.",
	"LicenseSystemExpired":     "The license system expired. Please contact the product owner.",
	"LicenseNotFound":          "The license key is not valid. Please try again.",
	"LicenseDeactivated":       "The license was deactivated. Please contact the product owner if you think that is a mistake.",
	"LicenseExpired":           "The license expired. Please renew your subscription.",
	"IpLimitExhausted":         "The ip address limit of your license was exhausted. Please try again tomorrow.",
	"InvalidLicenseKeyFormat":  "The format of the license key is invalid.",
	"ActivationLimitExhausted": "The activation limit of your license was exhausted. Please contact the product owner, they can clear your existing activations.",
}

// String returns the result name
func (r ComputerCheckResult) String() string {
	if name, ok := checkResultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("ComputerCheckResult(%d)", int(r))
}

// Message returns a human readable explanation of the result
func (r ComputerCheckResult) Message() string {
	if r == CheckLicenseNotFound {
		return "This computer is not activated. Please activate it with your license key."
	}
	return resultMessage(r.String(), int(r))
}

// Valid reports whether the check succeeded
func (r ComputerCheckResult) Valid() bool { return r == CheckValid }

// String returns the result name
func (r ComputerActivationResult) String() string {
	if name, ok := activationResultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("ComputerActivationResult(%d)", int(r))
}

// Message returns a human readable explanation of the result
func (r ComputerActivationResult) Message() string {
	return resultMessage(r.String(), int(r))
}

// Valid reports whether the activation succeeded
func (r ComputerActivationResult) Valid() bool { return r == ActivationValid }

func resultMessage(name string, code int) string {
	if msg, ok := resultMessages[name]; ok {
		return msg
	}
	return fmt.Sprintf("The license service returned an unexpected result (%d). Please contact the product owner.", code)
}

// checkResultFromErrors maps service errors to a check result. The first error
// whose code belongs to the result set wins, otherwise the first code is used as is.
func checkResultFromErrors(errs []licerrors.ServiceError) ComputerCheckResult {
	for _, e := range errs {
		r := ComputerCheckResult(e.Code)
		if _, ok := checkResultNames[r]; ok && r != CheckValid {
			return r
		}
	}
	return ComputerCheckResult(errs[0].Code)
}

func activationResultFromErrors(errs []licerrors.ServiceError) ComputerActivationResult {
	for _, e := range errs {
		r := ComputerActivationResult(e.Code)
		if _, ok := activationResultNames[r]; ok && r != ActivationValid {
			return r
		}
	}
	return ComputerActivationResult(errs[0].Code)
}

// LicenseCheckFailedError is returned by gated operations when the license
// could not be confirmed.
type LicenseCheckFailedError struct {
	Result ComputerCheckResult
}

func (e *LicenseCheckFailedError) Error() string {
	return fmt.Sprintf("checking the license failed because the server returned %s instead of a confirmation", e.Result)
}

// ResultName lets the HTTP error mapping name the result without importing this package
func (e *LicenseCheckFailedError) ResultName() string {
	return e.Result.String()
}
