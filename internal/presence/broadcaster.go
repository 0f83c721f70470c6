// Package presence keeps every client's view of who is online consistent.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"wiicare/internal/registry"
	"wiicare/pkg/interfaces"
	"wiicare/pkg/types"
)

const (
	defaultMirrorTimeout = 2 * time.Second
	mirrorQueueSize      = 256
)

// Broadcaster announces joins and leaves and answers snapshot requests.
// ARCHITECTURAL DISCOVERY: Callers serialise Admit/Depart on one loop, so the
// snapshot read and the join broadcast never interleave with another admission
type Broadcaster struct {
	registry *registry.Registry
	logger   *zap.Logger

	mirror        interfaces.PresenceMirror
	mirrorTimeout time.Duration
	mirrorTTL     time.Duration
	mirrorCh      chan func(ctx context.Context)
	done          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// Option configures a Broadcaster
type Option func(*Broadcaster)

// WithMirror copies presence into an external store.
// ttl > 0 re-writes every online identity at ttl/2 so keys never lapse for live users.
func WithMirror(mirror interfaces.PresenceMirror, ttl time.Duration) Option {
	return func(b *Broadcaster) {
		b.mirror = mirror
		b.mirrorTTL = ttl
	}
}

// WithMirrorTimeout bounds each mirror write
func WithMirrorTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.mirrorTimeout = d
		}
	}
}

// NewBroadcaster creates a broadcaster over the registry
func NewBroadcaster(reg *registry.Registry, logger *zap.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		registry:      reg,
		logger:        logger.Named("presence"),
		mirrorTimeout: defaultMirrorTimeout,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.mirror != nil {
		b.mirrorCh = make(chan func(ctx context.Context), mirrorQueueSize)
		b.wg.Add(1)
		go b.mirrorLoop()
	}
	return b
}

// Admit registers h, sends it the online snapshot and announces it to everyone else.
// A prior handle for the same identity is closed without a user-offline event.
func (b *Broadcaster) Admit(h *registry.Handle) error {
	prev, err := b.registry.Register(h)
	if err != nil {
		return err
	}
	if prev != nil {
		// Identity stays online; the old socket just goes away and its
		// own teardown skips the offline announcement
		if err := prev.Close(); err != nil {
			b.logger.Debug("closing replaced connection failed",
				zap.String("user_id", prev.UserID()), zap.Error(err))
		}
		b.logger.Info("connection replaced",
			zap.String("user_id", h.UserID()),
			zap.String("old_conn", prev.ID),
			zap.String("new_conn", h.ID))
	}

	// Registered first, so the snapshot already reflects the latest state
	b.Snapshot(h)

	announce := types.PresencePayload{UserID: h.UserID(), Role: h.Role()}
	b.broadcastExcept(types.EventUserOnline, announce, h.UserID())

	b.mirrorOnline(h)

	b.logger.Info("user online",
		zap.String("user_id", h.UserID()),
		zap.String("role", h.Role()),
		zap.String("conn_id", h.ID),
		zap.Int("online", b.registry.Count()))
	return nil
}

// Depart unregisters h and announces the leave.
// Returns false when h was already gone or had been replaced, in which case nothing is announced.
func (b *Broadcaster) Depart(h *registry.Handle) bool {
	if !b.registry.Unregister(h) {
		return false
	}

	b.broadcastExcept(types.EventUserOffline,
		types.PresencePayload{UserID: h.UserID(), Role: h.Role()}, h.UserID())

	b.mirrorOffline(h)

	b.logger.Info("user offline",
		zap.String("user_id", h.UserID()),
		zap.String("conn_id", h.ID),
		zap.Int("online", b.registry.Count()))
	return true
}

// Snapshot sends h the live online set, excluding its own identity.
// Never cached: each call reads the registry.
func (b *Broadcaster) Snapshot(h *registry.Handle) {
	users := b.OnlineUsers(h.UserID())
	if err := h.Send(types.EventOnlineUsersSnapshot, types.OnlineUsersPayload{Users: users}); err != nil {
		b.logger.Debug("snapshot dropped", zap.String("user_id", h.UserID()), zap.Error(err))
	}
}

// OnlineUsers returns the sorted presence set without the excluded identity
func (b *Broadcaster) OnlineUsers(exclude string) []string {
	all := b.registry.AllIdentities()
	users := make([]string, 0, len(all))
	for _, id := range all {
		if id != exclude {
			users = append(users, id)
		}
	}
	return users
}

// IsOnline reports whether the identity has a live connection in this process
func (b *Broadcaster) IsOnline(userID string) bool {
	_, ok := b.registry.Lookup(userID)
	return ok
}

// Close stops the mirror worker after draining queued writes
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
	})
}

func (b *Broadcaster) broadcastExcept(eventType string, payload interface{}, exclude string) {
	for _, other := range b.registry.Handles() {
		if other.UserID() == exclude {
			continue
		}
		if err := other.Send(eventType, payload); err != nil {
			b.logger.Debug("presence push dropped",
				zap.String("event", eventType),
				zap.String("to", other.UserID()),
				zap.Error(err))
		}
	}
}

func (b *Broadcaster) mirrorOnline(h *registry.Handle) {
	if b.mirror == nil {
		return
	}
	identity, connID := h.Identity, h.ID
	b.enqueueMirror(func(ctx context.Context) {
		if err := b.mirror.Online(ctx, identity, connID); err != nil {
			b.logger.Warn("presence mirror online failed",
				zap.String("user_id", identity.UserID), zap.Error(err))
		}
	})
}

func (b *Broadcaster) mirrorOffline(h *registry.Handle) {
	if b.mirror == nil {
		return
	}
	userID, connID := h.UserID(), h.ID
	b.enqueueMirror(func(ctx context.Context) {
		if err := b.mirror.Offline(ctx, userID, connID); err != nil {
			b.logger.Warn("presence mirror offline failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	})
}

// TECHNICAL DISCOVERY: Non-blocking enqueue keeps a slow mirror from stalling the event loop
func (b *Broadcaster) enqueueMirror(op func(ctx context.Context)) {
	select {
	case b.mirrorCh <- op:
	default:
		b.logger.Warn("presence mirror queue full, write dropped")
	}
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine keeps online/offline writes
// for one identity in the order they were issued
func (b *Broadcaster) mirrorLoop() {
	defer b.wg.Done()

	var refresh <-chan time.Time
	if b.mirrorTTL > 0 {
		ticker := time.NewTicker(b.mirrorTTL / 2)
		defer ticker.Stop()
		refresh = ticker.C
	}

	run := func(op func(ctx context.Context)) {
		ctx, cancel := context.WithTimeout(context.Background(), b.mirrorTimeout)
		defer cancel()
		op(ctx)
	}

	for {
		select {
		case op := <-b.mirrorCh:
			run(op)
		case <-refresh:
			for _, h := range b.registry.Handles() {
				identity, connID := h.Identity, h.ID
				run(func(ctx context.Context) {
					if err := b.mirror.Online(ctx, identity, connID); err != nil {
						b.logger.Debug("presence mirror refresh failed",
							zap.String("user_id", identity.UserID), zap.Error(err))
					}
				})
			}
		case <-b.done:
			for {
				select {
				case op := <-b.mirrorCh:
					run(op)
				default:
					return
				}
			}
		}
	}
}
