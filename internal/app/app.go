// Package app wires configuration, logging, observability, the domain
// services and the HTTP server into one runnable application.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"keygate/internal/abuse"
	"keygate/internal/audit"
	"keygate/internal/authz"
	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	customMiddleware "keygate/internal/middleware"
	"keygate/internal/services"
	"keygate/internal/token"
	handlers "keygate/internal/transport/http"
)

const (
	AppName = "keygate"
	Version = "1.0.0"
)

// Application is the main dependency container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	CodeStore    license.CodeStore
	Registry     *license.BindingRegistry
	StateMachine *license.StateMachine
	Generator    *license.Generator
	Blacklist    *abuse.BlacklistStore
	Engine       *abuse.Engine
	Gate         *abuse.Gate
	TokenService *token.Service
	AuditLog     *audit.Log
	Service      services.ActivationService
}

// NewApplication creates the application with all dependencies wired
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", Version),
	)

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices builds the domain layer bottom-up
func (a *Application) initializeServices() error {
	a.AuditLog = audit.NewLog(1024, a.Logger)

	a.CodeStore = license.NewMemoryCodeStore()
	a.Registry = license.NewBindingRegistry()
	a.StateMachine = license.NewStateMachine(a.CodeStore, a.Registry, a.AuditLog, a.Logger)
	a.Generator = license.NewGenerator(a.CodeStore, a.Config.Codes, a.Logger)

	a.Blacklist = abuse.NewBlacklistStore()
	a.Engine = abuse.NewEngine(a.Blacklist, a.Config.Abuse, a.Logger)
	a.Gate = abuse.NewGate(a.Engine, a.Config.Risk, a.Logger)

	tokenService, err := token.NewService(a.Config.Token, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize token service: %w", err)
	}
	a.TokenService = tokenService

	metrics, err := services.InitializeMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	a.Service = services.NewActivationService(
		a.Gate,
		a.Engine,
		a.StateMachine,
		a.Registry,
		a.Generator,
		a.TokenService,
		a.AuditLog,
		a.Logger,
		metrics,
	)

	return nil
}

// setupRouter configures the middleware chain and mounts all handlers
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(customMiddleware.SecurityHeaders)

	if a.Config.Server.RateLimit.Enabled {
		limiter := customMiddleware.NewIPRateLimiter(
			a.Config.Server.RateLimit.RPS,
			a.Config.Server.RateLimit.Burst,
			a.Logger,
		)
		r.Use(limiter.Handler)
	}

	metricsHandler := handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout))

		activationHandler := handlers.NewActivationHandler(a.Service, a.Logger)
		r.Mount("/license", activationHandler.Routes())

		adminHandler := handlers.NewAdminHandler(
			a.Service,
			a.CodeStore,
			a.Registry,
			a.Blacklist,
			a.AuditLog,
			authz.DefaultPolicy,
			a.Logger,
		)
		r.Mount("/admin", adminHandler.Routes())

		r.Get("/health", metricsHandler.GetHealth)
	})

	// Prometheus scrape endpoint outside the API middleware group
	r.Get("/metrics", metricsHandler.GetMetrics)

	a.Router = r
}

// createServer builds the HTTP server from configuration
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run starts the server and blocks until an interrupt or server failure
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfoContext(ctx, "Server listening",
			slog.Int("port", a.Config.Server.Port),
			slog.String("level", a.Config.Logging.Level),
		)
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.Stop(context.Background())
	})

	return g.Wait()
}

// Stop gracefully shuts the application down
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	// Drain queued audit entries before the process exits
	a.AuditLog.Close()

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	infrastructure.CloseLogFile()

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return nil
}
