package integration

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"wiicare/internal/api"
	"wiicare/internal/auth"
	"wiicare/internal/database"
	"wiicare/internal/hub"
	"wiicare/internal/presence"
	"wiicare/internal/registry"
	"wiicare/internal/router"
	"wiicare/internal/sensor"
	"wiicare/internal/signaling"
	ws "wiicare/internal/websocket"
	dbconfig "wiicare/pkg/database"
	"wiicare/pkg/types"
)

const waitTimeout = 3 * time.Second

// stack is the whole realtime service over a SQLite file, served by httptest
type stack struct {
	server *httptest.Server
	hub    *hub.Hub
	store  *database.Manager
	gate   *auth.Gate
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "integration.db")
	store, err := database.NewManager(cfg, logger)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	gate, err := auth.NewGate(auth.Options{Secret: []byte("integration-secret")})
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}

	reg := registry.NewRegistry()
	messageRouter := router.NewRouter(reg, store, logger)
	h := hub.NewHub(hub.Components{
		Registry:    reg,
		Presence:    presence.NewBroadcaster(reg, logger),
		Router:      messageRouter,
		Signaling:   signaling.NewRelay(reg, logger),
		Sensor:      sensor.NewRelay(reg, logger),
		RateLimiter: router.NewRateLimiter(0),
	}, logger)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("hub Start failed: %v", err)
	}

	socket := ws.NewHandler(gate, h, ws.HandlerConfig{}, logger)
	server := httptest.NewServer(api.NewServer(api.Deps{
		Gate:      gate,
		Store:     store,
		Persister: messageRouter,
		Publisher: h,
		Monitor:   h,
		Socket:    socket.Handle,
	}, logger))

	t.Cleanup(func() {
		h.Stop()
		socket.Wait()
		server.Close()
		store.Close()
	})
	return &stack{server: server, hub: h, store: store, gate: gate}
}

// conversation seeds a stored conversation
func (s *stack) conversation(t *testing.T, id string, participants ...string) {
	t.Helper()
	now := time.Now().UTC()
	err := s.store.CreateConversation(context.Background(), &types.Conversation{
		ID: id, Participants: participants, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateConversation %s failed: %v", id, err)
	}
}

// client is a socket client that collects every event on a background reader
type client struct {
	userID string
	conn   *websocket.Conn
	events chan types.Event
	closed chan struct{}

	mu   sync.Mutex
	seen []types.Event
}

func (s *stack) connect(t *testing.T, userID string) *client {
	t.Helper()
	token, _, err := s.gate.Issue(types.Identity{UserID: userID, Role: types.RoleCaregiver})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial as %s failed: %v", userID, err)
	}

	c := &client{
		userID: userID,
		conn:   conn,
		events: make(chan types.Event, 256),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(c.close)
	return c
}

func (c *client) readLoop() {
	defer close(c.closed)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev types.Event
		if json.Unmarshal(data, &ev) == nil {
			c.events <- ev
		}
	}
}

func (c *client) close() {
	c.conn.Close()
}

func (c *client) send(t *testing.T, eventType string, payload interface{}) {
	t.Helper()
	ev := types.Event{Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal %s payload: %v", eventType, err)
		}
		ev.Payload = raw
	}
	data, _ := json.Marshal(ev)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("%s: write %s failed: %v", c.userID, eventType, err)
	}
}

// expect waits for the next event of eventType, remembering everything skipped
func (c *client) expect(t *testing.T, eventType string) types.Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-c.events:
			c.remember(ev)
			if ev.Type == eventType {
				return ev
			}
		case <-c.closed:
			t.Fatalf("%s: connection closed waiting for %s", c.userID, eventType)
		case <-deadline:
			t.Fatalf("%s: timed out waiting for %s", c.userID, eventType)
		}
	}
}

// sync round-trips a snapshot request. Frames from one socket and every routing
// step run on the hub loop in order, so anything routed to this client before the
// request was handled arrives first. Returns the events that came before the snapshot.
func (c *client) sync(t *testing.T) []types.Event {
	t.Helper()
	c.mu.Lock()
	mark := len(c.seen)
	c.mu.Unlock()

	c.send(t, types.EventRequestOnlineUsers, nil)
	c.expect(t, types.EventOnlineUsersSnapshot)

	c.mu.Lock()
	defer c.mu.Unlock()
	before := make([]types.Event, len(c.seen)-mark-1)
	copy(before, c.seen[mark:len(c.seen)-1])
	return before
}

func (c *client) remember(ev types.Event) {
	c.mu.Lock()
	c.seen = append(c.seen, ev)
	c.mu.Unlock()
}

// waitClosed waits for the server to close this connection
func (c *client) waitClosed(t *testing.T) {
	t.Helper()
	for {
		select {
		case ev := <-c.events:
			c.remember(ev)
		case <-c.closed:
			return
		case <-time.After(waitTimeout):
			t.Fatalf("%s: server never closed the connection", c.userID)
		}
	}
}

func count(events []types.Event, eventType string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func payload[T any](t *testing.T, ev types.Event) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(ev.Payload, &v); err != nil {
		t.Fatalf("decode %s payload: %v", ev.Type, err)
	}
	return v
}
