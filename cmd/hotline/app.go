package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/nkiryanov/hotline/internal/bus"
	"github.com/nkiryanov/hotline/internal/clock"
	"github.com/nkiryanov/hotline/internal/db"
	"github.com/nkiryanov/hotline/internal/events"
	"github.com/nkiryanov/hotline/internal/handlers"
	"github.com/nkiryanov/hotline/internal/handlers/ws"
	"github.com/nkiryanov/hotline/internal/hub"
	"github.com/nkiryanov/hotline/internal/logger"
	"github.com/nkiryanov/hotline/internal/metrics"
	"github.com/nkiryanov/hotline/internal/registry"
	"github.com/nkiryanov/hotline/internal/repository/postgres"
	"github.com/nkiryanov/hotline/internal/router"
	"github.com/nkiryanov/hotline/internal/scheduler"
	"github.com/nkiryanov/hotline/internal/service/auth"
	"github.com/nkiryanov/hotline/internal/service/auth/tokenmanager"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	logger    logger.Logger
	pool      *pgxpool.Pool
	embedded  *bus.Embedded
	bus       *bus.NATS
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	tokens    *tokenmanager.TokenManager
	router    *router.Router
}

func NewServerApp(ctx context.Context, c *Config) (app *ServerApp, err error) {
	app = &ServerApp{ListenAddr: c.ListenAddr}

	// Release whatever was acquired if some later step fails
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	instance := instanceName()

	// Initialize logger
	app.logger, err = logger.New(c.Environment, c.LogLevel, "instance", instance)
	if err != nil {
		return app, fmt.Errorf("error while initializing logger: %w", err)
	}

	// Connect to the database and run migrations
	app.pool, err = db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return app, fmt.Errorf("error while connecting to db. Err: %w", err)
	}
	storage := postgres.NewStorage(app.pool)

	// Connect to the bus; start the embedded one if no external configured
	natsURL := c.NatsURL
	if natsURL == "" {
		app.embedded, err = bus.StartEmbedded("127.0.0.1", -1)
		if err != nil {
			return app, err
		}
		natsURL = app.embedded.ClientURL()
		app.logger.Warn("No bus configured, embedded one started", "url", natsURL)
	}
	app.bus, err = bus.NewNATS(natsURL, app.logger, nats.Name("hotline-"+instance))
	if err != nil {
		return app, err
	}

	// Initialize services
	clk := clock.Real()
	app.registry = registry.New()
	app.scheduler = scheduler.New(clk, app.logger)
	fanout := hub.New(0, app.logger)

	app.tokens, err = tokenmanager.New(
		tokenmanager.Config{
			SecretKey:  c.SecretKey,
			AccessTTL:  c.AccessTTL,
			RefreshTTL: c.RefreshTTL,
		},
		storage,
		app.bus,
		app.scheduler,
		clk,
		app.logger,
	)
	if err != nil {
		return app, fmt.Errorf("error while creating token manager. Err: %w", err)
	}

	authService, err := auth.NewService(auth.Config{}, app.tokens, storage, clk, app.logger)
	if err != nil {
		return app, fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	app.router = router.New(
		[]string{events.ChannelUser, events.ChannelResource},
		app.bus,
		app.registry,
		fanout,
		app.logger,
	)

	wsHandler := ws.New(ws.Config{}, app.registry, fanout, app.logger)
	app.Handler = handlers.NewRouter(authService, wsHandler, metrics.Handler(), app.logger)

	return app, nil
}

// Run restores expiration timers, consumes the bus and serves http until ctx is done.
// Resources are released when it returns.
func (s *ServerApp) Run(ctx context.Context) error {
	defer s.Close()

	if err := s.tokens.Restore(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	routerStopped, err := s.router.Run(gctx)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g.Go(func() error {
		return watchRouter(gctx, routerStopped, s.logger)
	})

	g.Go(func() error {
		s.logger.Info("Starting server", "address", s.ListenAddr)
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by http.Server
		for _, h := range s.registry.All() {
			_ = h.Close(websocket.CloseGoingAway, "server shutdown")
		}

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		return nil
	})

	err = g.Wait()
	<-routerStopped

	return err
}

var errRouterStopped = errors.New("event router stopped")

// watchRouter fails when the router stops before ctx is done: the bus is closed for good
// and clients would stay connected without receiving anything.
func watchRouter(ctx context.Context, stopped <-chan struct{}, l logger.Logger) error {
	select {
	case <-ctx.Done():
		return nil
	case <-stopped:
		if ctx.Err() != nil {
			return nil
		}
		l.Error("Event router stopped while serving, shutting down")
		return errRouterStopped
	}
}

// Close releases everything NewServerApp acquired. Safe on partially built app
func (s *ServerApp) Close() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Warn("Error while closing bus", "error", err)
		}
	}
	if s.embedded != nil {
		s.embedded.Shutdown()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// instanceName tells processes apart in logs and on the bus
func instanceName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
