package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	licerrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
	"licensekit/internal/license"
)

// LicenseService is the part of the license client the handlers use
type LicenseService interface {
	CheckComputer(ctx context.Context) (license.ComputerCheckResult, error)
	ActivateComputer(ctx context.Context, key string) (license.ComputerActivationResult, error)
	TryParseLicenseKey(raw string) (string, bool)
	KeyFormatter() *license.LicenseKeyFormatter
	Session() *license.Session
}

// LicenseHandler serves the local license API
type LicenseHandler struct {
	service  LicenseService
	validate *validator.Validate
	errors   *licerrors.ErrorHandler
	logger   *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, logger *slog.Logger) *LicenseHandler {
	logger = infrastructure.WithComponent(logger, "license_handler")
	return &LicenseHandler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		errors:   licerrors.NewErrorHandler(logger, false),
		logger:   logger,
	}
}

// LicenseActivationRequest is the body of POST /activate
type LicenseActivationRequest struct {
	LicenseKey string `json:"license_key" validate:"required,max=256"`
}

// Bind implements render.Binder
func (req *LicenseActivationRequest) Bind(r *http.Request) error {
	req.LicenseKey = strings.TrimSpace(req.LicenseKey)
	return nil
}

// LicenseInfo describes the confirmed license
type LicenseInfo struct {
	LicenseType   int        `json:"license_type"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CustomerName  string     `json:"customer_name,omitempty"`
	CustomerEmail string     `json:"customer_email,omitempty"`
	Offline       bool       `json:"offline"`
	CheckedAt     time.Time  `json:"checked_at"`
}

// LicenseStatusResponse is returned by the status and activation endpoints
type LicenseStatusResponse struct {
	Valid       bool         `json:"valid"`
	Result      string       `json:"result"`
	Message     string       `json:"message"`
	LicenseInfo *LicenseInfo `json:"license_info,omitempty"`
	TraceID     string       `json:"trace_id"`
	Timestamp   time.Time    `json:"timestamp"`
}

// KeyCheckResponse is returned by GET /key
type KeyCheckResponse struct {
	Valid      bool   `json:"valid"`
	Normalized string `json:"normalized,omitempty"`
	Hint       string `json:"hint,omitempty"`
}

// Routes returns a chi router for the license endpoints. activate wraps only
// the activation route.
func (h *LicenseHandler) Routes(activate ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.With(activate...).Post("/activate", h.Activate)
	r.Get("/key", h.CheckKey)
	return r
}

// GetStatus handles GET /api/license/status. It always asks the license service.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.get_status")
	defer span.End()

	result, err := h.service.CheckComputer(ctx)
	span.SetAttributes(attribute.String("license.result", result.String()))
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "license status checked", slog.String("result", result.String()))
	render.JSON(w, r, h.statusResponse(ctx, result.Valid(), result.String(), result.Message()))
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.activate")
	defer span.End()

	var req LicenseActivationRequest
	if err := render.Bind(r, &req); err != nil {
		h.invalidRequest(w, r, "Request body must be a JSON object with a license_key")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.invalidRequest(w, r, "license_key is required")
		return
	}
	span.SetAttributes(attribute.String("license.key_prefix", infrastructure.MaskLicenseKey(req.LicenseKey)))

	result, err := h.service.ActivateComputer(ctx, req.LicenseKey)
	span.SetAttributes(attribute.String("license.result", result.String()))
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "license activation finished",
		slog.String("key", infrastructure.MaskLicenseKey(req.LicenseKey)),
		slog.String("result", result.String()))

	resp := h.statusResponse(ctx, result.Valid(), result.String(), result.Message())
	if !result.Valid() {
		render.Status(r, activationStatus(result))
	}
	render.JSON(w, r, resp)
}

// CheckKey handles GET /api/license/key?key=. Only the local format is checked.
func (h *LicenseHandler) CheckKey(w http.ResponseWriter, r *http.Request) {
	normalized, ok := h.service.TryParseLicenseKey(r.URL.Query().Get("key"))
	resp := KeyCheckResponse{Valid: ok}
	if ok {
		resp.Normalized = normalized
	} else {
		resp.Hint = h.service.KeyFormatter().Hint()
	}
	render.JSON(w, r, resp)
}

// Entitlements handles GET /api/entitlements. It must sit behind the license gate.
func (h *LicenseHandler) Entitlements(w http.ResponseWriter, r *http.Request) {
	info := h.licenseInfo()
	if info == nil {
		h.handleError(w, r, licerrors.NewUsageError("Entitlements", licerrors.ErrLicenseNotVerified))
		return
	}
	render.JSON(w, r, info)
}

func (h *LicenseHandler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	return otel.Tracer(infrastructure.InstrumentationName).Start(r.Context(), name,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
			attribute.String("component", "license_handler"),
		),
	)
}

func (h *LicenseHandler) statusResponse(ctx context.Context, valid bool, result, message string) LicenseStatusResponse {
	traceID := infrastructure.TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = middleware.GetReqID(ctx)
	}
	resp := LicenseStatusResponse{
		Valid:     valid,
		Result:    result,
		Message:   message,
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	}
	if valid {
		resp.LicenseInfo = h.licenseInfo()
	}
	return resp
}

func (h *LicenseHandler) licenseInfo() *LicenseInfo {
	s := h.service.Session()
	if s == nil {
		return nil
	}
	return &LicenseInfo{
		LicenseType:   int(s.Record.LicenseType),
		ExpiresAt:     s.Record.ExpirationDateUTC,
		CustomerName:  s.Record.CustomerName,
		CustomerEmail: s.Record.CustomerEmail,
		Offline:       s.Offline,
		CheckedAt:     s.CheckedAt,
	}
}

// activationStatus maps a refused activation to an HTTP status
func activationStatus(result license.ComputerActivationResult) int {
	switch result {
	case license.ActivationConnectionFailed:
		return http.StatusServiceUnavailable
	case license.ActivationLicenseNotFound:
		return http.StatusNotFound
	case license.ActivationIPLimitExhausted, license.ActivationLimitExhausted:
		return http.StatusConflict
	default:
		return http.StatusForbidden
	}
}

func (h *LicenseHandler) invalidRequest(w http.ResponseWriter, r *http.Request, detail string) {
	reqID := middleware.GetReqID(r.Context())
	problem := licerrors.NewProblemDetails(http.StatusBadRequest, "/errors/invalid-request", "Invalid Request",
		detail, r.URL.Path)
	if reqID != "" {
		problem.WithExtension("trace_id", reqID)
	}
	_ = render.Render(w, r, problem)
}

func (h *LicenseHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	h.errors.HandleError(w, r, err)
}
