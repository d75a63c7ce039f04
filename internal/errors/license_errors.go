package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// ResultError is implemented by errors that carry a license check result name,
// so this package does not need to know the result enums.
type ResultError interface {
	error
	ResultName() string
}

// ProblemFromError maps the license error taxonomy to an HTTP problem.
// Internal codes and signature details are never exposed.
func ProblemFromError(err error, traceID string) *ProblemDetails {
	instance := ""
	if traceID != "" {
		instance = fmt.Sprintf("/api/license#%s", traceID)
	}

	var (
		re ResultError
		pd *ProblemDetails
	)
	switch {
	case errors.As(err, &re):
		status := http.StatusForbidden
		if re.ResultName() == "ConnectionFailed" {
			status = http.StatusServiceUnavailable
		}
		pd = NewProblemDetails(status, "/errors/license-check-failed", "License Check Failed",
			"The license could not be confirmed.", instance).
			WithExtension("result", re.ResultName())
	case errors.Is(err, ErrUnauthorized):
		pd = NewProblemDetails(http.StatusForbidden, "/errors/license-not-permitted", "License Not Permitted",
			"Your license is not permitted to execute that operation.", instance)
	case errors.Is(err, ErrInvalidLicenseKeyFormat):
		pd = NewProblemDetails(http.StatusBadRequest, "/errors/invalid-license-key-format", "Invalid License Key Format",
			"The format of the license key is invalid.", instance)
	case errors.Is(err, ErrRateLimited):
		pd = NewProblemDetails(http.StatusTooManyRequests, "/errors/rate-limited", "Too Many Requests",
			"Too many activation attempts. Please wait before trying again.", instance)
	case errors.Is(err, ErrHardwareIDRejected):
		pd = NewProblemDetails(http.StatusInternalServerError, "/errors/hardware-id-rejected", "Hardware Id Rejected",
			"This computer cannot be licensed. Please contact the product owner.", instance)
	case IsUsageError(err):
		pd = NewProblemDetails(http.StatusPreconditionRequired, "/errors/license-not-ready", "License Not Ready",
			"The license system has not been initialized or checked yet.", instance)
	default:
		pd = NewProblemDetails(http.StatusInternalServerError, "/errors/internal", "Internal Error",
			"An unexpected error occurred. Please try again later.", instance)
	}

	if traceID != "" {
		pd.WithExtension("trace_id", traceID)
	}
	return pd
}
