package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"wiicare/internal/router"
	"wiicare/pkg/interfaces"
	"wiicare/pkg/types"
)

const (
	identityKey    = "wiicare.identity"
	defaultPage    = 50
	maxPage        = 500
	healthTimeout  = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Monitor exposes live connection state for health and presence endpoints
type Monitor interface {
	OnlineUsers() []string
	Stats() map[string]int
}

// Persister validates and stores conversation events before they are published
type Persister interface {
	PersistMessage(ctx context.Context, senderID string, p types.SendMessagePayload) (*types.Conversation, *types.ChatMessage, error)
	PersistRead(ctx context.Context, userID string, receipt types.ReadReceipt) (*types.Conversation, *types.ReadReceipt, error)
}

// Deps are the collaborators the HTTP layer is built over
type Deps struct {
	Gate      interfaces.Authenticator
	Store     interfaces.DatabaseManager
	Persister Persister
	Publisher interfaces.MessagePublisher
	Monitor   Monitor
	// Socket serves the websocket upgrade; nil leaves /ws unrouted
	Socket gin.HandlerFunc
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	deps    Deps
	engine  *gin.Engine
	logger  *zap.Logger
	started time.Time
}

// NewServer builds the gin engine and registers every route
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		deps:    deps,
		engine:  gin.New(),
		logger:  logger.Named("api"),
		started: time.Now(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())
	s.setupRoutes()
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions; everything under /api
// sits behind the same bearer check the socket upgrade uses
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthCheck)
	if s.deps.Socket != nil {
		s.engine.GET("/ws", s.deps.Socket)
	}

	api := s.engine.Group("/api", s.authMiddleware())
	api.GET("/presence", s.listPresence)
	api.GET("/conversations", s.listConversations)
	api.POST("/conversations", s.createConversation)
	api.GET("/conversations/:id", s.getConversation)
	api.GET("/conversations/:id/messages", s.listMessages)
	api.POST("/conversations/:id/messages", s.postMessage)
	api.POST("/conversations/:id/read", s.markRead)
}

// Handler returns the root http.Handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type CreateConversationRequest struct {
	Participants []string `json:"participants"`
}

type PostMessageRequest struct {
	Text string `json:"text"`
}

type MarkReadRequest struct {
	MessageID string    `json:"message_id"`
	ReadAt    time.Time `json:"read_at"`
}

type ConversationsResponse struct {
	Conversations []*types.ConversationSummary `json:"conversations"`
}

type MessagesResponse struct {
	Messages []*types.ChatMessage `json:"messages"`
}

type PresenceResponse struct {
	Users []string `json:"users"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// authMiddleware admits a request only with a valid bearer credential
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := s.deps.Gate.Authenticate(c.Request)
		if err != nil {
			s.sendError(c, http.StatusUnauthorized, "Missing or invalid bearer credential")
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

func identityFrom(c *gin.Context) types.Identity {
	v, _ := c.Get(identityKey)
	identity, _ := v.(types.Identity)
	return identity
}

// GET /api/presence - online users other than the caller
func (s *Server) listPresence(c *gin.Context) {
	self := identityFrom(c).UserID
	users := make([]string, 0)
	for _, u := range s.deps.Monitor.OnlineUsers() {
		if u != self {
			users = append(users, u)
		}
	}
	c.JSON(http.StatusOK, PresenceResponse{Users: users})
}

// GET /api/conversations - the caller's conversation list, most recent first
func (s *Server) listConversations(c *gin.Context) {
	summaries, err := s.deps.Store.ListConversations(c.Request.Context(), identityFrom(c).UserID)
	if err != nil {
		s.sendStoreError(c, err, "Failed to list conversations")
		return
	}
	if summaries == nil {
		summaries = []*types.ConversationSummary{}
	}
	c.JSON(http.StatusOK, ConversationsResponse{Conversations: summaries})
}

// POST /api/conversations - the caller is always a participant
func (s *Server) createConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, http.StatusBadRequest, "Invalid JSON")
		return
	}

	self := identityFrom(c).UserID
	participants, err := types.NormalizeParticipants(append([]string{self}, req.Participants...))
	if err != nil {
		s.sendError(c, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	conv := &types.Conversation{
		ID:           uuid.New().String(),
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.deps.Store.CreateConversation(c.Request.Context(), conv); err != nil {
		s.sendStoreError(c, err, "Failed to create conversation")
		return
	}

	s.logger.Info("conversation created",
		zap.String("conversation", conv.ID), zap.Strings("participants", participants))
	c.JSON(http.StatusCreated, conv)
}

// GET /api/conversations/:id
func (s *Server) getConversation(c *gin.Context) {
	conv, ok := s.participantConversation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, conv)
}

// GET /api/conversations/:id/messages?before=RFC3339&limit=N - oldest first
func (s *Server) listMessages(c *gin.Context) {
	conv, ok := s.participantConversation(c)
	if !ok {
		return
	}

	var before time.Time
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.sendError(c, http.StatusBadRequest, "before must be an RFC3339 timestamp")
			return
		}
		before = t
	}

	limit := defaultPage
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxPage {
			n = maxPage
		}
		limit = n
	}

	messages, err := s.deps.Store.GetMessages(c.Request.Context(), conv.ID, before, limit)
	if err != nil {
		s.sendStoreError(c, err, "Failed to load messages")
		return
	}
	if messages == nil {
		messages = []*types.ChatMessage{}
	}
	c.JSON(http.StatusOK, MessagesResponse{Messages: messages})
}

// POST /api/conversations/:id/messages
// FUNCTIONAL DISCOVERY: Persist-then-publish, same ordering as a socket new-message.
// A failed live push does not fail the request: the message is already durable.
func (s *Server) postMessage(c *gin.Context) {
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, http.StatusBadRequest, "Invalid JSON")
		return
	}

	sender := identityFrom(c).UserID
	conv, message, err := s.deps.Persister.PersistMessage(c.Request.Context(), sender,
		types.SendMessagePayload{ChannelID: c.Param("id"), Text: req.Text})
	if err != nil {
		s.sendStoreError(c, err, "Failed to send message")
		return
	}

	s.publish(func(ctx context.Context) error { return s.deps.Publisher.PublishMessage(ctx, conv, message) },
		zap.String("message_id", message.ID))
	c.JSON(http.StatusCreated, message)
}

// POST /api/conversations/:id/read
func (s *Server) markRead(c *gin.Context) {
	// An empty body marks everything up to now as read
	var req MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendError(c, http.StatusBadRequest, "Invalid JSON")
		return
	}

	// REST reads only apply to stored conversations
	if _, ok := s.participantConversation(c); !ok {
		return
	}

	conv, receipt, err := s.deps.Persister.PersistRead(c.Request.Context(), identityFrom(c).UserID, types.ReadReceipt{
		ChannelID: c.Param("id"),
		MessageID: req.MessageID,
		ReadAt:    req.ReadAt,
	})
	if err != nil {
		s.sendStoreError(c, err, "Failed to mark conversation read")
		return
	}

	s.publish(func(ctx context.Context) error { return s.deps.Publisher.PublishRead(ctx, conv, receipt) },
		zap.String("conversation", conv.ID))
	c.JSON(http.StatusOK, receipt)
}

func (s *Server) publish(fn func(ctx context.Context) error, fields ...zap.Field) {
	if s.deps.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Warn("live publish failed", append(fields, zap.Error(err))...)
	}
}

// participantConversation loads :id and checks the caller belongs to it,
// writing the error response itself when it does not
func (s *Server) participantConversation(c *gin.Context) (*types.Conversation, bool) {
	conv, err := s.deps.Store.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sendStoreError(c, err, "Failed to load conversation")
		return nil, false
	}
	self := identityFrom(c).UserID
	for _, p := range conv.Participants {
		if p == self {
			return conv, true
		}
	}
	s.sendError(c, http.StatusForbidden, interfaces.ErrNotParticipant.Error())
	return nil, false
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "error: " + err.Error()
	}

	var connections map[string]int
	if s.deps.Monitor != nil {
		connections = s.deps.Monitor.Stats()
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: connections,
		System: map[string]interface{}{
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
		},
	})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrConversationExists):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidChannelID),
		errors.Is(err, types.ErrEmptyMessage),
		errors.Is(err, types.ErrMessageTooLarge),
		errors.Is(err, types.ErrInvalidParticipant),
		errors.Is(err, router.ErrInvalidReadReceipt):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendStoreError(c *gin.Context, err error, fallback string) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error(fallback, zap.String("path", c.FullPath()), zap.Error(err))
		s.sendError(c, code, fallback)
		return
	}
	s.sendError(c, code, err.Error())
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
