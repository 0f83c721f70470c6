// Package hub runs the single event loop that owns every registry mutation.
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wiicare/internal/presence"
	"wiicare/internal/registry"
	"wiicare/internal/router"
	"wiicare/internal/sensor"
	"wiicare/internal/signaling"
	"wiicare/pkg/interfaces"
	"wiicare/pkg/types"
)

const (
	// TECHNICAL DISCOVERY: 1000 buffer absorbs sensor sample bursts without blocking readers
	queueSize            = 1000
	defaultStoreTimeout  = 5 * time.Second
	rateLimitCleanupTick = time.Minute
)

type jobKind int

const (
	jobAdmit jobKind = iota
	jobDepart
	jobRun
)

// Admission claim states. The loop and a caller giving up race on the same
// CAS, so a queued admission either runs to completion or never runs.
const (
	admitPending int32 = iota
	admitClaimed
	admitAbandoned
)

type job struct {
	kind   jobKind
	handle *registry.Handle
	run    func()
	done   chan error
	state  atomic.Int32
}

// Hub coordinates admission, teardown and event dispatch
// ARCHITECTURAL DISCOVERY: One queue for lifecycle and frames, so a connection's
// teardown always runs after its last frame and every registry mutation is serialised
type Hub struct {
	queue           chan *job
	shutdownChannel chan struct{}
	stopped         chan struct{}

	registry    *registry.Registry
	presence    *presence.Broadcaster
	router      *router.Router
	signaling   *signaling.Relay
	sensor      *sensor.Relay
	rateLimiter *router.RateLimiter
	logger      *zap.Logger

	storeTimeout time.Duration

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	running bool
	mu      sync.RWMutex
}

// Components wires the hub to the realtime core
type Components struct {
	Registry    *registry.Registry
	Presence    *presence.Broadcaster
	Router      *router.Router
	Signaling   *signaling.Relay
	Sensor      *sensor.Relay
	RateLimiter *router.RateLimiter
}

// NewHub creates a new hub
// ARCHITECTURAL DISCOVERY: Constructor pattern with dependency injection
// enables clean testing and component isolation
func NewHub(c Components, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c.RateLimiter == nil {
		c.RateLimiter = router.NewRateLimiter(router.DefaultEventsPerMinute)
	}
	return &Hub{
		queue:           make(chan *job, queueSize),
		shutdownChannel: make(chan struct{}),
		stopped:         make(chan struct{}),
		registry:        c.Registry,
		presence:        c.Presence,
		router:          c.Router,
		signaling:       c.Signaling,
		sensor:          c.Sensor,
		rateLimiter:     c.RateLimiter,
		logger:          logger.Named("hub"),
		storeTimeout:    defaultStoreTimeout,
	}
}

// New builds a hub and its realtime components over one registry
func New(reg *registry.Registry, db interfaces.DatabaseManager, broadcaster *presence.Broadcaster, eventsPerMinute int, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if broadcaster == nil {
		broadcaster = presence.NewBroadcaster(reg, logger)
	}
	return NewHub(Components{
		Registry:    reg,
		Presence:    broadcaster,
		Router:      router.NewRouter(reg, db, logger),
		Signaling:   signaling.NewRelay(reg, logger),
		Sensor:      sensor.NewRelay(reg, logger),
		RateLimiter: router.NewRateLimiter(eventsPerMinute),
	}, logger)
}

// SetStoreTimeout bounds store calls made on behalf of one frame
func (h *Hub) SetStoreTimeout(d time.Duration) {
	if d > 0 {
		h.storeTimeout = d
	}
}

// Start begins hub processing
// FUNCTIONAL DISCOVERY: Single hub goroutine prevents race conditions
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Info("starting event hub")
	go h.run(ctx)
	return nil
}

// Stop shuts the loop down and closes every live connection
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.mu.Unlock()

	h.logger.Info("stopping event hub")
	close(h.shutdownChannel)
	<-h.stopped
	return nil
}

// IsRunning reports whether the loop is accepting work
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Admit registers a gated connection and blocks until the snapshot has been sent
func (h *Hub) Admit(ctx context.Context, handle *registry.Handle) error {
	if handle == nil {
		return ErrNilHandle
	}
	j := &job{kind: jobAdmit, handle: handle, done: make(chan error, 1)}
	if err := h.enqueue(ctx, j); err != nil {
		return err
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(admitPending, admitAbandoned) {
			return ctx.Err()
		}
		// The loop already claimed it; the outcome is moments away
		select {
		case err := <-j.done:
			return err
		case <-h.stopped:
			return ErrHubNotRunning
		}
	case <-h.stopped:
		return ErrHubNotRunning
	}
}

// Depart schedules teardown for a disconnected handle.
// Safe to call more than once; teardown runs once.
func (h *Hub) Depart(handle *registry.Handle) {
	if handle == nil || handle.Departed() {
		return
	}
	if err := h.enqueue(context.Background(), &job{kind: jobDepart, handle: handle}); err != nil {
		h.logger.Debug("teardown not queued", zap.String("user_id", handle.UserID()), zap.Error(err))
	}
}

// OnlineUsers returns the live presence set
func (h *Hub) OnlineUsers() []string {
	return h.registry.AllIdentities()
}

// Stats returns hub statistics for monitoring and debugging
func (h *Hub) Stats() map[string]int {
	stats := h.registry.GetStats()
	stats["queue_depth"] = len(h.queue)
	return stats
}

// PublishMessage implements interfaces.MessagePublisher for messages stored outside the socket path
func (h *Hub) PublishMessage(ctx context.Context, conv *types.Conversation, message *types.ChatMessage) error {
	d := &router.Delivery{
		Conversation: conv,
		Message:      message,
		Summaries:    h.router.Summaries(ctx, conv, message),
	}
	return h.enqueue(ctx, &job{kind: jobRun, run: func() { h.router.DeliverMessage(d) }})
}

// PublishRead implements interfaces.MessagePublisher
func (h *Hub) PublishRead(ctx context.Context, conv *types.Conversation, receipt *types.ReadReceipt) error {
	return h.enqueue(ctx, &job{kind: jobRun, run: func() { h.router.DeliverRead(conv, receipt) }})
}

func (h *Hub) enqueue(ctx context.Context, j *job) error {
	if !h.IsRunning() {
		return ErrHubNotRunning
	}
	// Lifecycle jobs wait for room, frames never block a reader for long
	if j.kind == jobRun {
		select {
		case h.queue <- j:
			return nil
		default:
			return ErrQueueFull
		}
	}
	select {
	case h.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.shutdownChannel:
		return ErrHubNotRunning
	}
}

// run is the main hub processing loop
// TECHNICAL DISCOVERY: Single select loop handles all coordination
func (h *Hub) run(ctx context.Context) {
	defer close(h.stopped)
	defer h.closeAll()

	cleanup := time.NewTicker(rateLimitCleanupTick)
	defer cleanup.Stop()

	for {
		select {
		case j := <-h.queue:
			h.process(j)
		case <-cleanup.C:
			h.rateLimiter.Cleanup()
		case <-h.shutdownChannel:
			h.logger.Info("hub shutdown requested")
			return
		case <-ctx.Done():
			h.logger.Info("hub context cancelled")
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) process(j *job) {
	// TECHNICAL DISCOVERY: A panic in one handler must not take the loop down
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("hub job panicked", zap.Any("panic", rec))
			if j.done != nil {
				j.done <- errors.New("admission failed")
			}
		}
	}()

	switch j.kind {
	case jobAdmit:
		if !j.state.CompareAndSwap(admitPending, admitClaimed) {
			h.logger.Debug("admission abandoned before it ran",
				zap.String("user_id", j.handle.UserID()), zap.String("conn_id", j.handle.ID))
			return
		}
		err := h.presence.Admit(j.handle)
		if err != nil {
			h.logger.Warn("admission failed", zap.String("user_id", j.handle.UserID()), zap.Error(err))
		}
		j.done <- err
	case jobDepart:
		h.teardown(j.handle)
	case jobRun:
		j.run()
	}
}

// teardown runs the disconnect pipeline exactly once per handle:
// unregister, announce, stop sensor relays, clear calls, leave channels.
// Every push is fire-and-forget so a slow peer cannot stall it.
func (h *Hub) teardown(handle *registry.Handle) {
	if !handle.MarkDeparted() {
		return
	}

	identityGone := h.presence.Depart(handle)
	h.sensor.Teardown(handle, identityGone)
	h.signaling.Teardown(handle)
	left := h.router.LeaveAll(handle)
	if identityGone {
		h.rateLimiter.Forget(handle.UserID())
	}
	if err := handle.Close(); err != nil {
		h.logger.Debug("close after teardown failed", zap.String("user_id", handle.UserID()), zap.Error(err))
	}

	h.logger.Debug("connection torn down",
		zap.String("user_id", handle.UserID()),
		zap.String("conn_id", handle.ID),
		zap.Bool("identity_gone", identityGone),
		zap.Strings("channels_left", left))
}

func (h *Hub) closeAll() {
	for _, handle := range h.registry.Handles() {
		h.teardown(handle)
	}
}

// live reports whether frames from handle should still be acted on
func (h *Hub) live(handle *registry.Handle) bool {
	return !handle.Departed() && h.registry.IsCurrent(handle)
}
