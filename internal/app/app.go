package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"keygen/internal/config"
	apierrors "keygen/internal/errors"
	"keygen/internal/files"
	"keygen/internal/infrastructure"
	"keygen/internal/keygen"
	"keygen/internal/license"
	customMiddleware "keygen/internal/middleware"
	"keygen/internal/security"
	handlers "keygen/internal/transport/http"
	ws "keygen/internal/websocket"
)

// Application represents the agent container
type Application struct {
	Config        *config.Store
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Client        *keygen.Client
	Files         *files.Store
	License       *license.Manager
	WebSocketHub  *ws.Hub
	Router        chi.Router
	Server        *http.Server

	fingerprints license.FingerprintSource

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
	// licensed is signalled whenever the manager establishes a snapshot.
	licensed chan struct{}
}

// Option customises an Application
type Option func(*Application)

// WithFingerprintSource replaces the hardware fingerprint.
func WithFingerprintSource(fps license.FingerprintSource) Option {
	return func(a *Application) { a.fingerprints = fps }
}

// New wires every component from cfg. Nothing is started until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Application, error) {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	a := &Application{
		Config:   config.NewStore(cfg),
		Logger:   logger,
		ready:    make(chan struct{}),
		licensed: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.OTelProviders = otelProviders

	if err := a.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	a.setupRouter()

	agent := cfg.Agent
	a.Server = &http.Server{
		Addr:              agent.Address,
		Handler:           a.Router,
		ReadTimeout:       agent.ReadTimeout,
		ReadHeaderTimeout: agent.ReadTimeout,
		WriteTimeout:      agent.WriteTimeout,
	}
	return a, nil
}

func (a *Application) initializeServices() error {
	cfg := a.Config.Get()

	client, err := keygen.New(a.Config,
		keygen.WithLogger(a.Logger),
		keygen.WithTracer(a.OTelProviders.Tracer),
		keygen.WithMetrics(a.OTelProviders.Metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize licensing client: %w", err)
	}
	a.Client = client

	paths, err := cfg.ResolvePaths()
	if err != nil {
		return fmt.Errorf("failed to resolve paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to ensure directories: %w", err)
	}
	paths.LogPathResolution(a.Logger)
	a.Files = files.NewStore(paths, files.WithLogger(a.Logger))

	if a.fingerprints == nil {
		a.fingerprints = security.NewFingerprintManager(a.Logger)
	}

	a.WebSocketHub = ws.NewHub(a.Logger)

	mgr, err := license.NewManager(a.Config, client, a.Files, a.fingerprints,
		license.WithLogger(a.Logger),
		license.WithTracer(a.OTelProviders.Tracer),
		license.WithMetrics(a.OTelProviders.Metrics),
		license.WithEventHandler(a.onLicenseEvent),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize license manager: %w", err)
	}
	a.License = mgr
	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	cfg := a.Config.Get()
	errs := apierrors.NewErrorHandler(a.Logger, false)
	validation := customMiddleware.NewValidationMiddleware(a.Logger, errs)

	r := chi.NewRouter()
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.NotFound(errs.NotFound)
	r.MethodNotAllowed(errs.MethodNotAllowed)

	// The websocket route must not see middleware that wraps the writer
	r.Handle("/events", ws.NewHandler(a.WebSocketHub, a.greeting, a.Logger))
	r.Handle("/metrics", a.OTelProviders.MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.NewOTelMiddleware(a.OTelProviders.Tracer, a.OTelProviders.Metrics).Handler)
		r.Use(customMiddleware.SecurityHeaders)

		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.StructuredLogger(a.Logger))
			r.Use(customMiddleware.Recoverer(errs))

			health := handlers.NewHealthHandler(a.License, a.Logger)
			r.Get("/healthz", health.HealthCheck)
			r.Get("/version", health.Version)
		})

		// API requests are logged with their redacted bodies on failure
		r.Route("/api", func(r chi.Router) {
			r.Use(apierrors.NewErrorMiddleware(errs, a.Logger).Handler)
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Use(customMiddleware.NewRateLimiter(cfg.Agent.RPS, cfg.Agent.Burst, errs, a.Logger).Handler)
			r.Use(validation.LimitBody)
			r.Use(customMiddleware.ContentTypeValidator(errs, "application/json"))

			lh := handlers.NewLicenseHandler(a.License, validation, errs, a.Logger)
			lh.UseGate(customMiddleware.NewLicenseGate(a.License, errs, a.Logger))
			r.Mount("/license", lh.Routes())
			r.Get("/stats", handlers.NewStatsHandler(a.License, a.WebSocketHub).GetStats)
		})
	})

	a.Router = r
}

// greeting is sent to every events client as it connects
func (a *Application) greeting() any {
	snap, ok := a.License.Snapshot()
	if !ok {
		return nil
	}
	return map[string]any{
		"license_id":   snap.License.ID,
		"source":       snap.Source,
		"entitlements": snap.Entitlements,
		"renewal":      snap.Renewal(time.Now()),
	}
}

// Addr returns the bound listener address once Run is serving.
func (a *Application) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Ready is closed once the HTTP listener is bound.
func (a *Application) Ready() <-chan struct{} {
	return a.ready
}

// Run serves until ctx is cancelled or a component fails.
func (a *Application) Run(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "starting agent",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.String("address", a.Server.Addr))

	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()
	close(a.ready)

	g, gctx := errgroup.WithContext(ctx)
	sink := make(chan error, 8)

	g.Go(func() error {
		return a.WebSocketHub.Run(gctx)
	})

	g.Go(func() error {
		a.keepHeartbeat(gctx, sink)
		return nil
	})

	g.Go(func() error {
		a.startLicensing(gctx)
		return nil
	})

	g.Go(func() error {
		a.drainHeartbeat(gctx, sink)
		return nil
	})

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "agent listening", slog.String("address", ln.Addr().String()))
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

// onLicenseEvent fans manager events out to websocket clients and wakes the
// heartbeat keeper when a snapshot was established.
func (a *Application) onLicenseEvent(ev license.Event) {
	a.WebSocketHub.Publish(ev)
	switch ev.Type {
	case license.EventValidated, license.EventOffline:
		select {
		case a.licensed <- struct{}{}:
		default:
		}
	}
}

// startLicensing validates at startup. Failure is logged, not fatal: the
// agent keeps serving so health checks and activation stay reachable.
func (a *Application) startLicensing(ctx context.Context) {
	snap, err := a.License.Ensure(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.Logger.WarnContext(ctx, "startup license validation failed",
				slog.String("error", err.Error()))
		}
		return
	}

	a.Logger.InfoContext(ctx, "license ready",
		slog.String("license_id", snap.License.ID),
		slog.String("source", string(snap.Source)))
}

// keepHeartbeat starts the heartbeat each time a snapshot requiring one is
// established, whether at startup, through the API or after a deactivation.
func (a *Application) keepHeartbeat(ctx context.Context, sink chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.licensed:
		}

		snap, ok := a.License.Snapshot()
		if !ok || snap.Machine == nil || !snap.Machine.RequireHeartbeat {
			continue
		}
		if _, err := a.License.StartHeartbeat(ctx, sink); err != nil &&
			!errors.Is(err, license.ErrHeartbeatRunning) && !errors.Is(err, license.ErrNoMachine) {
			a.Logger.ErrorContext(ctx, "failed to start heartbeat",
				slog.String("machine_id", snap.Machine.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (a *Application) drainHeartbeat(ctx context.Context, sink <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sink:
			level := slog.LevelWarn
			if errors.Is(err, keygen.ErrHeartbeatDead) || errors.Is(err, keygen.ErrNotFound) {
				level = slog.LevelError
			}
			a.Logger.Log(ctx, level, "heartbeat failure", slog.String("error", err.Error()))
		}
	}
}

func (a *Application) shutdown() error {
	cfg := a.Config.Get()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Agent.ShutdownTimeout)
	defer cancel()

	a.Logger.InfoContext(ctx, "shutting down agent")
	var errs []error
	if err := a.Server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	a.License.StopHeartbeat()
	if cfg.Agent.DeactivateOnExit {
		if err := a.License.Deactivate(ctx); err != nil && !errors.Is(err, license.ErrNoMachine) {
			a.Logger.WarnContext(ctx, "deactivation on exit failed", slog.String("error", err.Error()))
		}
	}
	a.License.Close()
	a.WebSocketHub.Stop()

	if err := a.OTelProviders.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.Logger.InfoContext(ctx, "agent shutdown complete")
	return errors.Join(errs...)
}
