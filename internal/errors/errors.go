package errors

import (
	"errors"
	"fmt"
)

// Usage errors are programmer errors. They are returned immediately and never retried.
var (
	ErrNotInitialized     = errors.New("license client is not initialized, call Initialize first")
	ErrAlreadyInitialized = errors.New("license client must only be initialized once")
	ErrLicenseNotVerified = errors.New("license has not been checked, call CheckComputer first")
)

// Protocol and authorization errors
var (
	ErrInvalidLicenseKeyFormat = errors.New("the format of the license key is invalid")
	ErrHardwareIDRejected      = errors.New("hardware id rejected by license service")
	ErrUnauthorized            = errors.New("license is not permitted to execute that operation")
	ErrNetwork                 = errors.New("license service unreachable")
	ErrMalformedResponse       = errors.New("malformed response from license service")
	ErrRateLimited             = errors.New("too many activation attempts, please wait before trying again")
)

// Online service errors
var (
	ErrVariableNotFound      = errors.New("online variable not found")
	ErrMethodNotFound        = errors.New("online method not found")
	ErrMethodExecutionFailed = errors.New("online method execution failed")
	ErrVariableTypeMismatch  = errors.New("online variable type mismatch")
)

// UsageError wraps a usage sentinel with the operation that triggered it
type UsageError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying sentinel
func (e *UsageError) Unwrap() error {
	return e.Err
}

// NewUsageError creates a UsageError for op
func NewUsageError(op string, err error) *UsageError {
	return &UsageError{Op: op, Err: err}
}

// FatalProtocolError is raised when the service rejects the hardware fingerprint itself.
// No client-side action can recover from it.
type FatalProtocolError struct {
	Code    int
	Message string
}

// Error implements the error interface
func (e *FatalProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fatal license protocol error (code %d)", e.Code)
	}
	return fmt.Sprintf("fatal license protocol error (code %d): %s", e.Code, e.Message)
}

// Unwrap lets errors.Is match ErrHardwareIDRejected
func (e *FatalProtocolError) Unwrap() error {
	return ErrHardwareIDRejected
}

// ServiceError is a structured error returned by the license service
type ServiceError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return fmt.Sprintf("license service error %d: %s", e.Code, e.Message)
}

// IsUsageError reports whether err is a programmer error
func IsUsageError(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

// IsFatal reports whether err must never be swallowed by callers
func IsFatal(err error) bool {
	var fe *FatalProtocolError
	return errors.As(err, &fe)
}
