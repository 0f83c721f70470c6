package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"wiicare/internal/api"
	"wiicare/internal/auth"
	"wiicare/internal/config"
	"wiicare/internal/database"
	"wiicare/internal/hub"
	"wiicare/internal/presence"
	"wiicare/internal/registry"
	"wiicare/internal/router"
	"wiicare/internal/sensor"
	"wiicare/internal/signaling"
	"wiicare/internal/websocket"
	"wiicare/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config      *config.Config
	logger      *zap.Logger
	store       interfaces.DatabaseManager
	mirror      *presence.RedisMirror
	broadcaster *presence.Broadcaster
	messageHub  *hub.Hub
	socket      *websocket.Handler
	apiServer   *api.Server
	httpServer  *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Presence mirror → Registry → Router → Hub → Gate → Socket → API → HTTP
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	gate, err := auth.NewGate(auth.Options{
		Secret: []byte(cfg.Auth.JWTSecret),
		Alg:    cfg.Auth.Algorithm,
		Issuer: cfg.Auth.Issuer,
		Leeway: cfg.Auth.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session gate: %w", err)
	}

	// STEP 1: Conversation store (migrations are applied by the SQLite manager)
	store, err := database.Open(ctx, cfg.Database.Store(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// STEP 2: Optional presence mirror
	var opts []presence.Option
	var mirror *presence.RedisMirror
	if cfg.Redis.Addr != "" {
		client, err := presence.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to connect presence mirror: %w", err)
		}
		mirror = presence.NewRedisMirror(client, cfg.Redis.PresenceTTL)
		opts = append(opts, presence.WithMirror(mirror, cfg.Redis.PresenceTTL))
		logger.Info("presence mirror enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// STEP 3: Realtime core over one registry
	reg := registry.NewRegistry()
	broadcaster := presence.NewBroadcaster(reg, logger, opts...)
	messageRouter := router.NewRouter(reg, store, logger)
	messageHub := hub.NewHub(hub.Components{
		Registry:    reg,
		Presence:    broadcaster,
		Router:      messageRouter,
		Signaling:   signaling.NewRelay(reg, logger),
		Sensor:      sensor.NewRelay(reg, logger),
		RateLimiter: router.NewRateLimiter(cfg.RateLimit.EventsPerMinute),
	}, logger)
	messageHub.SetStoreTimeout(cfg.Database.Timeout)

	// STEP 4: Socket endpoint
	socket := websocket.NewHandler(gate, messageHub, websocket.HandlerConfig{
		Connection: websocket.Options{
			SendBuffer:     cfg.WebSocket.SendBuffer,
			WriteTimeout:   cfg.WebSocket.WriteTimeout,
			PongWait:       cfg.WebSocket.ReadTimeout,
			PingInterval:   cfg.WebSocket.PingInterval,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		},
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, logger.Named("websocket"))

	// STEP 5: HTTP surface
	apiServer := api.NewServer(api.Deps{
		Gate:      gate,
		Store:     store,
		Persister: messageRouter,
		Publisher: messageHub,
		Monitor:   messageHub,
		Socket:    socket.Handle,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		logger:      logger,
		store:       store,
		mirror:      mirror,
		broadcaster: broadcaster,
		messageHub:  messageHub,
		socket:      socket,
		apiServer:   apiServer,
		httpServer:  httpServer,
		serveErr:    make(chan error, 1),
	}, nil
}

// Start begins application execution
// Hub starts first to handle frames, then the listener accepts connections
func (app *Application) Start(ctx context.Context) error {
	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.mu.Lock()
	app.listener = listener
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(app.serveErr)
	}()

	app.logger.Info("wiicare started", zap.String("addr", listener.Addr().String()))
	return nil
}

// Errors reports a fatal serve error; it is closed when the server stops
func (app *Application) Errors() <-chan error {
	return app.serveErr
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Hub (closes sockets) → Presence mirror → Store
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down wiicare")
	var errs []error

	// STEP 1: Stop accepting new connections. Hijacked sockets are not tracked by Shutdown.
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// STEP 2: Stop the loop; every live socket is torn down and closed
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	app.socket.Wait()

	// STEP 3: Drain presence mirror writes
	app.broadcaster.Close()
	if app.mirror != nil {
		if err := app.mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("presence mirror close: %w", err))
		}
	}

	// STEP 4: Close database connections
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}

	app.logger.Info("wiicare shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the bound listen address, or the configured one before Start
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the HTTP surface for in-process serving
func (app *Application) Handler() http.Handler {
	return app.apiServer.Handler()
}
