package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"mtlicense/internal/config"
	"mtlicense/internal/events"
	"mtlicense/internal/infrastructure"
	"mtlicense/internal/license"
	custommw "mtlicense/internal/middleware"
	handlers "mtlicense/internal/transport/http"
)

// sessionGaugeInterval is how often the active session gauge is sampled.
const sessionGaugeInterval = 30 * time.Second

// Application is the composition root for the license service.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Router        *chi.Mux
	Server        *http.Server
	Store         *license.MemoryStore
	Service       *license.Service
	Sessions      *license.Sessions
	Guard         *license.ReplayGuard
	Hub           *events.Hub
	Metrics       *infrastructure.LicenseMetrics
	OTelProviders *infrastructure.OTelProviders
}

// New creates the application from environment and file configuration.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewWithConfig(cfg, infrastructure.DefaultOTelConfig())
}

// NewWithConfig creates the application from an already validated
// configuration. Tests use it to run with telemetry exporters disabled.
func NewWithConfig(cfg *config.Config, otelCfg *infrastructure.OTelConfig) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion))

	providers, err := infrastructure.InitializeOTel(otelCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: providers,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()
	return app, nil
}

// initializeServices constructs the domain components in dependency order.
func (a *Application) initializeServices() error {
	ctx := context.Background()
	cfg := a.Config

	hub := events.NewHub(a.Logger)
	hub.Start()
	a.Hub = hub

	signer := license.NewSigner(cfg.Security.SigningSecret, cfg.Security.SignatureWindow)
	a.Guard = license.NewReplayGuard(cfg.Security.SignatureWindow, cfg.Security.ReplayCapacity)

	a.Sessions = license.NewSessions(cfg.Security.SessionTTL)
	a.Sessions.Start(time.Hour)

	storeOpts := []license.MemoryStoreOption{
		license.WithLogger(a.Logger),
		license.WithSnapshot(cfg.Store.SnapshotPath, cfg.Store.SnapshotInterval),
	}
	if cfg.Sheets.Enabled {
		creds, err := os.ReadFile(cfg.Sheets.CredentialsFile)
		if err != nil {
			return fmt.Errorf("failed to read sheets credentials: %w", err)
		}
		syncer, err := license.NewSheetsSyncer(ctx, creds, cfg.Sheets.SpreadsheetID, cfg.Sheets.SheetName, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize sheets syncer: %w", err)
		}
		storeOpts = append(storeOpts, license.WithSyncer(syncer))
	}

	store, err := license.NewMemoryStore(ctx, storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize license store: %w", err)
	}
	a.Store = store

	svcOpts := []license.ServiceOption{
		license.WithServiceLogger(a.Logger),
		license.WithEventSink(hub),
		license.WithTrialCredits(cfg.Credits.TrialCredits),
		license.WithWelfare(cfg.Credits.WelfareCredits, cfg.Credits.WelfareInterval),
	}
	if a.OTelProviders.Meter != nil {
		metrics, err := infrastructure.NewLicenseMetrics(a.OTelProviders.Meter)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		a.Metrics = metrics
		svcOpts = append(svcOpts, license.WithMetrics(metrics))
	}

	svc, err := license.NewService(store, a.Sessions, license.NewAuthenticator(signer, a.Guard), svcOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize license service: %w", err)
	}
	a.Service = svc
	return nil
}

// setupRouter configures the HTTP router. The Prometheus endpoint stays
// outside the middleware group; the WebSocket event feed sits under the
// admin router and relies on the absence of timeout middleware there.
func (a *Application) setupRouter() {
	cfg := a.Config
	r := chi.NewRouter()

	r.Use(custommw.RequestID)
	r.Use(custommw.RealIP)

	r.Group(func(r chi.Router) {
		r.Use(custommw.StructuredLogger(a.Logger))
		r.Use(custommw.Recoverer(a.Logger))
		r.Use(custommw.SecurityHeaders)
		if a.Metrics != nil {
			r.Use(custommw.HTTPMetrics(a.Metrics))
		}
		if cfg.Security.RateLimit.Enabled {
			r.Use(custommw.NewRateLimiter(
				cfg.Security.RateLimit.RPS,
				cfg.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		healthHandler := handlers.NewHealthHandler(cfg.Release)
		r.Get("/healthz", healthHandler.Health)

		r.Route("/api", func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))

			r.Get("/version", healthHandler.Version)

			licenseHandler := handlers.NewLicenseHandler(a.Service, a.Logger)
			r.Get("/ping", licenseHandler.Ping)
			r.Mount("/license", licenseHandler.Routes())

			if cfg.Admin.Enabled {
				feed := events.NewUpgrader(a.Hub,
					cfg.WebSocket.ReadBufferSize,
					cfg.WebSocket.WriteBufferSize,
					a.Logger)
				adminHandler := handlers.NewAdminHandler(a.Service, a.Store, feed, a.Logger)
				adminAuth := custommw.NewAdminAuth(cfg.Admin.Username, cfg.Admin.PasswordHash, a.Logger)
				r.With(adminAuth.Handler).Mount("/admin", adminHandler.Routes())
			}
		})
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Run starts the HTTP server and blocks until an interrupt or a fatal
// server error, then shuts everything down.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfoContext(ctx, "server listening",
			slog.String("addr", a.Server.Addr),
			slog.String("version", config.AppVersion))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if a.Metrics != nil {
		g.Go(func() error {
			ticker := time.NewTicker(sessionGaugeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					a.Metrics.RecordSessionCount(ctx, int64(a.Sessions.Active()))
				}
			}
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return a.Stop(context.Background())
	})

	return g.Wait()
}

// Stop gracefully shuts down the server and all background components.
// The store is closed last so the final snapshot sees every commit.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("server shutdown: %w", err)
	}

	a.Hub.Stop()
	a.Sessions.Stop()
	a.Guard.Stop()

	if err := a.Store.Close(); err != nil {
		a.Logger.ErrorContext(ctx, "store close failed", slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = fmt.Errorf("store close: %w", err)
		}
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "shutdown complete")
	return firstErr
}
