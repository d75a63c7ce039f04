package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"licensekit/internal/config"
	licerrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
	"licensekit/internal/license"
	customMiddleware "licensekit/internal/middleware"
	handlers "licensekit/internal/transport/http"
)

// Application serves the local license API
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Client        *license.LicenseClient
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Version       string
}

// NewApplication wires the router and HTTP server around an initialized license client
func NewApplication(cfg *config.Config, client *license.LicenseClient, providers *infrastructure.OTelProviders,
	logger *slog.Logger, version string) (*Application, error) {
	if client == nil {
		return nil, errors.New("license client is required")
	}
	if providers == nil {
		return nil, errors.New("OpenTelemetry providers are required")
	}

	app := &Application{
		Config:        cfg,
		Client:        client,
		Logger:        infrastructure.WithComponent(logger, "app"),
		OTelProviders: providers,
		Version:       version,
	}

	if err := app.setupRouter(); err != nil {
		return nil, err
	}
	app.createServer()
	return app, nil
}

func (a *Application) setupRouter() error {
	r := chi.NewRouter()
	errorHandler := licerrors.NewErrorHandler(a.Logger, false)

	// RequestID must run first so every later layer sees the id
	r.Use(customMiddleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(licerrors.RecoveryMiddleware(errorHandler))

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		return fmt.Errorf("failed to create OpenTelemetry middleware: %w", err)
	}
	gateMetrics, err := customMiddleware.InitializeGateMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create license gate metrics: %w", err)
	}

	gate := customMiddleware.NewLicenseGate(a.Client, a.Logger)
	gate.SetMetrics(gateMetrics)
	gate.AddExcludePath("/api/version")

	licenseHandler := handlers.NewLicenseHandler(a.Client, a.Logger)
	healthHandler := handlers.NewHealthHandler(license.NewLicenseHealthCheck(a.Client), a.Version, a.Logger)

	var activateLimits []func(http.Handler) http.Handler
	if a.Config.Activation.RatePerMinute > 0 {
		limiter := customMiddleware.NewRateLimiter(a.Config.Activation.RatePerMinute, a.Config.Activation.Burst, a.Logger)
		activateLimits = append(activateLimits, limiter.Handler)
	}

	r.Group(func(r chi.Router) {
		r.Use(otelMiddleware.Handler)
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(licerrors.NewErrorMiddleware(errorHandler, a.Logger).Handler)
		r.Use(customMiddleware.SecurityHeaders)

		r.Get("/healthz", healthHandler.HealthCheck)
		r.Get("/healthz/live", healthHandler.LivenessCheck)

		r.Route("/api", func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Use(gate.Handler)

			r.Get("/version", healthHandler.Version)

			r.Group(func(r chi.Router) {
				r.Use(customMiddleware.AuditLog(a.Logger))
				r.Mount("/license", licenseHandler.Routes(activateLimits...))
			})

			r.Get("/entitlements", licenseHandler.Entitlements)
		})
	})

	r.Handle("/metrics", handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP))
	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	a.Router = r
	return nil
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         a.Config.Server.Address,
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

// Start confirms the license once and serves until ctx is canceled or the
// listener fails. A negative license result is logged, the API still comes up
// so the computer can be activated through it.
func (a *Application) Start(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "starting license server",
		slog.String("version", a.Version),
		slog.String("address", a.Config.Server.Address),
		slog.String("license_file", a.Config.LicenseFilePath()))

	result, err := a.Client.CheckComputer(ctx)
	switch {
	case err != nil:
		a.Logger.ErrorContext(ctx, "startup license check failed", slog.String("error", err.Error()))
	case !result.Valid():
		a.Logger.WarnContext(ctx, "license not confirmed at startup",
			slog.String("result", result.String()),
			slog.String("message", result.Message()))
	default:
		a.Logger.InfoContext(ctx, "license confirmed at startup")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.WithoutCancel(ctx))
	})
	return g.Wait()
}

// Stop gracefully stops the server and flushes telemetry
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down license server")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorContext(ctx, "error shutting down OpenTelemetry", slog.String("error", err.Error()))
	}

	a.Logger.InfoContext(ctx, "license server stopped")
	return nil
}

// Run serves until SIGINT or SIGTERM
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Start(ctx)
}
