package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"wiicare/internal/auth"
	"wiicare/internal/hub"
	"wiicare/internal/registry"
	"wiicare/pkg/types"
)

type testServer struct {
	server *httptest.Server
	gate   *auth.Gate
	hub    *hub.Hub
}

func newTestServer(t *testing.T, cfg HandlerConfig) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	gate, err := auth.NewGate(auth.Options{Secret: []byte("handler-test-secret")})
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	h := hub.New(registry.NewRegistry(), nil, nil, 0, logger)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("hub Start failed: %v", err)
	}

	handler := NewHandler(gate, h, cfg, logger)
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		// Stopping the hub closes every socket, which ends each read loop
		h.Stop()
		handler.Wait()
		server.Close()
	})
	return &testServer{server: server, gate: gate, hub: h}
}

func (s *testServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, _, err := s.gate.Issue(types.Identity{UserID: userID, Role: types.RoleCaregiver})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.Dial(s.url(), header)
	if err != nil {
		t.Fatalf("dial as %s failed: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, eventType string, payload interface{}) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	data, _ := json.Marshal(types.Event{Type: eventType, Payload: raw})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s failed: %v", eventType, err)
	}
}

// expect reads frames until one of eventType arrives
func expect(t *testing.T, conn *websocket.Conn, eventType string) *types.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", eventType, err)
		}
		var ev types.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		if ev.Type == eventType {
			return &ev
		}
	}
}

// refusingDispatcher fails every admission and forwards the rest to a real hub
type refusingDispatcher struct {
	*hub.Hub
}

func (refusingDispatcher) Admit(context.Context, *registry.Handle) error {
	return errors.New("admission refused")
}

// Architectural Validation Tests

func TestHandler_RejectsMissingCredential(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})

	_, resp, err := websocket.DefaultDialer.Dial(s.url(), nil)
	if err == nil {
		t.Fatal("Dial without credential should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %+v", resp)
	}
	if len(s.hub.OnlineUsers()) != 0 {
		t.Error("Rejected client must not be registered")
	}
}

func TestHandler_RejectsForgedCredential(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	other, _ := auth.NewGate(auth.Options{Secret: []byte("someone-else")})
	token, _, _ := other.Issue(types.Identity{UserID: "mallory"})

	_, resp, err := websocket.DefaultDialer.Dial(s.url()+"?token="+token, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Forged credential should get 401, got %v / %+v", err, resp)
	}
}

func TestHandler_OriginAllowList(t *testing.T) {
	s := newTestServer(t, HandlerConfig{AllowedOrigins: []string{"app.wiicare.example"}})
	token, _, _ := s.gate.Issue(types.Identity{UserID: "alice"})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Origin", "https://evil.example")
	if _, resp, err := websocket.DefaultDialer.Dial(s.url(), header); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Foreign origin should be refused, got %v", err)
	}

	header.Set("Origin", "https://app.wiicare.example")
	conn, _, err := websocket.DefaultDialer.Dial(s.url(), header)
	if err != nil {
		t.Fatalf("Allowed origin refused: %v", err)
	}
	conn.Close()
}

// Functional Validation Tests

func TestHandler_PresenceOverSockets(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})

	alice := s.dial(t, "alice")
	expect(t, alice, types.EventOnlineUsersSnapshot)

	bob := s.dial(t, "bob")
	ev := expect(t, bob, types.EventOnlineUsersSnapshot)
	var snap types.OnlineUsersPayload
	json.Unmarshal(ev.Payload, &snap)
	if len(snap.Users) != 1 || snap.Users[0] != "alice" {
		t.Errorf("Bob's snapshot should list alice, got %v", snap.Users)
	}

	ev = expect(t, alice, types.EventUserOnline)
	var online types.PresencePayload
	json.Unmarshal(ev.Payload, &online)
	if online.UserID != "bob" {
		t.Errorf("Expected user-online for bob, got %+v", online)
	}

	bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	bob.Close()

	ev = expect(t, alice, types.EventUserOffline)
	var offline types.PresencePayload
	json.Unmarshal(ev.Payload, &offline)
	if offline.UserID != "bob" {
		t.Errorf("Expected user-offline for bob, got %+v", offline)
	}
}

func TestHandler_ChannelMessageRelay(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})

	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	expect(t, bob, types.EventOnlineUsersSnapshot)

	send(t, alice, types.EventJoinChannel, types.ChannelPayload{ChannelID: "room-1"})
	send(t, bob, types.EventJoinChannel, types.ChannelPayload{ChannelID: "room-1"})

	// request-online-users round-trips through the loop, so both joins have landed
	send(t, alice, types.EventRequestOnlineUsers, nil)
	expect(t, alice, types.EventOnlineUsersSnapshot)
	send(t, bob, types.EventRequestOnlineUsers, nil)
	expect(t, bob, types.EventOnlineUsersSnapshot)

	send(t, alice, types.EventNewMessage, types.SendMessagePayload{ChannelID: "room-1", Text: "hello bob"})

	ev := expect(t, bob, types.EventNewMessage)
	var msg types.ChatMessage
	json.Unmarshal(ev.Payload, &msg)
	if msg.Text != "hello bob" || msg.SenderID != "alice" || msg.ChannelID != "room-1" {
		t.Errorf("Unexpected relayed message %+v", msg)
	}
	if msg.ID == "" {
		t.Error("Relayed message should carry a server-assigned id")
	}
}

func TestHandler_MalformedFrameKeepsConnection(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})

	alice := s.dial(t, "alice")
	expect(t, alice, types.EventOnlineUsersSnapshot)

	alice.WriteMessage(websocket.TextMessage, []byte("{not json"))
	ev := expect(t, alice, types.EventError)
	var p types.ErrorPayload
	json.Unmarshal(ev.Payload, &p)
	if p.Code != hub.CodeInvalidPayload {
		t.Errorf("Expected %s, got %+v", hub.CodeInvalidPayload, p)
	}

	send(t, alice, types.EventRequestOnlineUsers, nil)
	expect(t, alice, types.EventOnlineUsersSnapshot)
}

func TestHandler_ReconnectReplacesSession(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})

	first := s.dial(t, "alice")
	expect(t, first, types.EventOnlineUsersSnapshot)
	second := s.dial(t, "alice")
	expect(t, second, types.EventOnlineUsersSnapshot)

	// The replaced socket is closed by the server
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	if users := s.hub.OnlineUsers(); len(users) != 1 || users[0] != "alice" {
		t.Errorf("Expected alice online once, got %v", users)
	}
}

func TestHandler_FailedAdmissionLeavesNoState(t *testing.T) {
	logger := zaptest.NewLogger(t)
	gate, err := auth.NewGate(auth.Options{Secret: []byte("handler-test-secret")})
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	h := hub.New(registry.NewRegistry(), nil, nil, 0, logger)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("hub Start failed: %v", err)
	}
	t.Cleanup(func() { h.Stop() })

	handler := NewHandler(gate, refusingDispatcher{h}, HandlerConfig{}, logger)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	s := &testServer{server: server, gate: gate, hub: h}

	// The upgrade succeeds, then the socket is closed without admission
	conn := s.dial(t, "alice")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected the server to close the socket, got %v", err)
	}

	finished := make(chan struct{})
	go func() {
		handler.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler still tracking a refused connection")
	}

	if len(h.OnlineUsers()) != 0 {
		t.Errorf("Refused connection must not be registered, online = %v", h.OnlineUsers())
	}
	if stats := h.Stats(); stats["total_connections"] != 0 || stats["active_channels"] != 0 {
		t.Errorf("Refused connection left state behind: %v", stats)
	}
}
