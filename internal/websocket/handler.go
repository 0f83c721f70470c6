package websocket

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wiicare/internal/registry"
	"wiicare/pkg/interfaces"
)

// Dispatcher is the event loop side of a connection's lifecycle
type Dispatcher interface {
	Admit(ctx context.Context, handle *registry.Handle) error
	HandleFrame(ctx context.Context, handle *registry.Handle, data []byte)
	Depart(handle *registry.Handle)
}

// HandlerConfig configures the upgrade endpoint
type HandlerConfig struct {
	Connection       Options
	AllowedOrigins   []string      // empty allows any origin
	HandshakeTimeout time.Duration // default 10s
	AdmitTimeout     time.Duration // default 5s
}

// Handler gates, upgrades and serves websocket connections
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic;
// everything past the upgrade goes through the Dispatcher
type Handler struct {
	gate       interfaces.Authenticator
	dispatcher Dispatcher
	cfg        HandlerConfig
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	active     sync.WaitGroup
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(gate interfaces.Authenticator, dispatcher Dispatcher, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.AdmitTimeout <= 0 {
		cfg.AdmitTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handler{
		gate:       gate,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	return h
}

// Handle adapts the handler to a gin route
func (h *Handler) Handle(c *gin.Context) {
	h.ServeHTTP(c.Writer, c.Request)
}

// ServeHTTP runs one connection from gate to teardown.
// ARCHITECTURAL DISCOVERY: Multi-stage validation (credential -> origin -> upgrade -> admit)
// rejects unauthenticated clients before they consume a socket or any registry state
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.gate.Authenticate(r)
	if err != nil {
		h.logger.Info("connection rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	h.active.Add(1)
	defer h.active.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response
		h.logger.Warn("websocket upgrade failed",
			zap.String("user_id", identity.UserID),
			zap.Error(err))
		return
	}

	conn := NewConnection(ws, h.cfg.Connection)
	handle := registry.NewHandle(identity, conn)
	log := h.logger.With(
		zap.String("user_id", identity.UserID),
		zap.String("conn_id", handle.ID),
		zap.String("remote_addr", conn.RemoteAddr()))

	admitCtx, cancel := context.WithTimeout(r.Context(), h.cfg.AdmitTimeout)
	err = h.dispatcher.Admit(admitCtx, handle)
	cancel()
	if err != nil {
		log.Warn("connection not admitted", zap.Error(err))
		conn.Close()
		return
	}
	log.Info("connection admitted", zap.String("role", identity.Role))

	// Frames are handled on this goroutine in arrival order. The context is
	// detached from the request so store writes finish even as the socket drops.
	ctx := context.WithoutCancel(r.Context())
	err = conn.ReadLoop(func(data []byte) {
		h.dispatcher.HandleFrame(ctx, handle, data)
	})
	if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		log.Info("connection lost", zap.Error(err))
	} else {
		log.Debug("connection closed", zap.Error(err))
	}

	h.dispatcher.Depart(handle)
	conn.Close()
}

// Wait blocks until every upgraded connection has finished its teardown.
// Hijacked connections are invisible to http.Server.Shutdown, so callers wait here instead.
func (h *Handler) Wait() {
	h.active.Wait()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		// FUNCTIONAL DISCOVERY: Allow all origins unless a list is configured
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients do not send Origin
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	h.logger.Warn("origin rejected", zap.String("origin", origin), zap.Error(ErrOriginRejected))
	return false
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
