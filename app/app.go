// Package app builds the process: storage, the event bus, the board store,
// realtime delivery, notifications, event export and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/api"
	"prism-board/board"
	"prism-board/events"
	"prism-board/export"
	"prism-board/notify"
	"prism-board/realtime"
	"prism-board/storage"
)

type repository interface {
	storage.BoardRepository
	storage.NotificationRepository
}

// Option adjusts how New builds an App.
type Option func(*options)

type options struct {
	sink export.Sink
	auth Authenticator
}

// Authenticator verifies bearer credentials for both HTTP and websocket.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// WithExportSink exports events to sink regardless of EVENTS_QUEUE.
func WithExportSink(sink export.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithAuthenticator replaces JWT verification.
func WithAuthenticator(auth Authenticator) Option {
	return func(o *options) { o.auth = auth }
}

// App owns every long-lived component of the process.
type App struct {
	Config   Config
	Echo     *echo.Echo
	Bus      *events.Bus
	Store    *board.Store
	Registry *realtime.Registry
	Router   *realtime.Router
	Notes    *notify.Service
	// Exporter is nil when event export is off.
	Exporter *export.Exporter

	logger  *log.Logger
	repo    repository
	redis   *redis.Client
	jwks    *keyfunc.JWKS
	unhooks []func()
}

// New builds the process from cfg and loads board state. On error every
// component built so far is released.
func New(ctx context.Context, cfg Config, logger *log.Logger, opts ...Option) (a *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a = &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
			a = nil
		}
	}()

	if a.repo, err = openRepository(cfg); err != nil {
		return a, err
	}
	a.Bus = events.New(cfg.EventHistory, logger)
	a.Store = board.New(a.repo, a.Bus, logger, cfg.StorageTimeout)
	if err = a.Store.Load(ctx); err != nil {
		return a, err
	}

	a.Registry = realtime.NewRegistry(logger)
	a.Router = realtime.NewRouter(a.Registry, logger)
	a.unhooks = append(a.unhooks, realtime.Bridge(a.Bus, a.Router))
	a.Notes = notify.New(a.repo, a.Router, logger, cfg.NotifyQueue, cfg.StorageTimeout)
	a.unhooks = append(a.unhooks, a.Notes.Listen(a.Bus))

	sink := o.sink
	if sink == nil && cfg.EventsQueue != "" {
		if sink, err = export.NewQueueSink(cfg.ConnectionString, cfg.EventsQueue); err != nil {
			return a, fmt.Errorf("events queue: %w", err)
		}
	}
	if sink != nil {
		if a.Exporter, err = export.New(cfg.Outbox, sink, logger); err != nil {
			return a, fmt.Errorf("event export: %w", err)
		}
		a.unhooks = append(a.unhooks, a.Exporter.Listen(a.Bus))
	}

	a.redis = redis.NewClient(cfg.RedisOptions)
	deduper := api.NewRedisDeduper(a.redis, cfg.DeduperTTL)

	auth := o.auth
	if auth == nil {
		if auth, err = a.newAuth(cfg.Auth); err != nil {
			return a, err
		}
	}

	a.Echo = a.newEcho()
	api.Register(a.Echo, a.Store, a.Notes, auth, deduper, logger)
	ws := realtime.NewHandler(a.Registry, a.Router, auth, cfg.WS, logger)
	a.Echo.GET("/ws", ws.Serve)
	return a, nil
}

func openRepository(cfg Config) (repository, error) {
	switch cfg.Backend {
	case BackendMemory:
		return storage.NewMemory(), nil
	case BackendBolt:
		s, err := storage.NewBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendTables:
		s, err := storage.NewTableStore(cfg.ConnectionString, cfg.Tables)
		if err != nil {
			return nil, fmt.Errorf("table storage: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
}

func (a *App) newAuth(s AuthSettings) (*api.Auth, error) {
	if s.SharedSecret != "" {
		return api.NewAuth(api.AuthConfig{
			Audience:     s.Audience,
			Issuer:       s.Issuer(),
			SharedSecret: []byte(s.SharedSecret),
			KeyCacheTTL:  s.KeyCacheTTL,
		}), nil
	}
	jwks, err := keyfunc.Get(s.JWKSURL(), keyfunc.Options{
		RefreshInterval:   s.KeyCacheTTL,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			a.logger.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	a.jwks = jwks
	return api.NewAuth(api.AuthConfig{
		JWKS:        jwks,
		Audience:    s.Audience,
		Issuer:      s.Issuer(),
		KeyCacheTTL: s.KeyCacheTTL,
	}), nil
}

func (a *App) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			echo.HeaderContentEncoding,
			api.HeaderIdempotencyKey,
			api.HeaderConnectionID,
		},
		ExposeHeaders: []string{api.HeaderReplayed},
	}))
	e.Use(middleware.Decompress())

	// a registry per App keeps repeated construction in one process from
	// registering the HTTP collectors twice
	reg := prometheus.NewRegistry()
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace:  "prism_board",
		Subsystem:  "http",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/ws"
		},
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
		Gatherer: prometheus.Gatherers{prometheus.DefaultGatherer, reg},
	}))
	return e
}

// Run serves HTTP until ctx is done, then shuts the App down, allowing it
// grace to drain.
func (a *App) Run(ctx context.Context, grace time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		a.logger.WithField("addr", a.Config.ListenAddr).Info("listening")
		errc <- a.Echo.Start(a.Config.ListenAddr)
	}()
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return errors.Join(serveErr, a.Close(sctx))
}

// Close stops accepting requests, drains notifications and the event
// export, and releases storage. It is safe on a partly built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Echo != nil {
		if err := a.Echo.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if a.Registry != nil {
		a.Registry.Close()
	}
	for i := len(a.unhooks) - 1; i >= 0; i-- {
		a.unhooks[i]()
	}
	a.unhooks = nil
	if a.Notes != nil {
		a.Notes.Close()
	}
	if a.Exporter != nil {
		if err := a.Exporter.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event export: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
	if c, ok := a.repo.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
