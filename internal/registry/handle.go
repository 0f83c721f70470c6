package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wiicare/pkg/interfaces"
	"wiicare/pkg/types"
)

// CallPhase is the explicit call negotiation state of one connection
type CallPhase int

const (
	CallIdle CallPhase = iota
	CallRinging
	CallConnected
)

func (p CallPhase) String() string {
	switch p {
	case CallIdle:
		return "idle"
	case CallRinging:
		return "ringing"
	case CallConnected:
		return "connected"
	default:
		return fmt.Sprintf("CallPhase(%d)", int(p))
	}
}

// CallState pairs the phase with the counterpart identity.
// Outgoing is true on the caller's handle while ringing.
type CallState struct {
	Phase    CallPhase
	Peer     string
	Outgoing bool
}

// SensorPhase is the explicit telemetry relay state of one connection
type SensorPhase int

const (
	SensorIdle SensorPhase = iota
	SensorStreaming
)

func (p SensorPhase) String() string {
	if p == SensorStreaming {
		return "streaming"
	}
	return "idle"
}

// Handle is the server-side representation of one live client connection.
// ARCHITECTURAL DISCOVERY: Relay state lives on the handle, not in a global table,
// so a source can stream to exactly one sink by construction
type Handle struct {
	ID          string
	Identity    types.Identity
	ConnectedAt time.Time

	peer interfaces.Peer

	// channels is guarded by Registry.mu
	channels map[string]struct{}

	mu           sync.Mutex
	call         CallState
	sensorPhase  SensorPhase
	sensorTarget string

	departed atomic.Bool
}

// NewHandle wraps an admitted peer. The identity must come from the session gate.
func NewHandle(identity types.Identity, peer interfaces.Peer) *Handle {
	return &Handle{
		ID:          uuid.New().String(),
		Identity:    identity,
		ConnectedAt: time.Now(),
		peer:        peer,
		channels:    make(map[string]struct{}),
	}
}

// UserID returns the owning identity
func (h *Handle) UserID() string { return h.Identity.UserID }

// Role returns the role claimed in the credential
func (h *Handle) Role() string { return h.Identity.Role }

// RemoteAddr returns the peer address for logging
func (h *Handle) RemoteAddr() string {
	if h.peer == nil {
		return ""
	}
	return h.peer.RemoteAddr()
}

// Send encodes one event and hands it to the peer without blocking.
// Callers treat failures as a dropped push.
func (h *Handle) Send(eventType string, payload interface{}) error {
	if h.peer == nil {
		return interfaces.ErrPeerClosed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	data, err := json.Marshal(types.Event{
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", eventType, err)
	}
	return h.peer.Send(data)
}

// Close closes the underlying peer
func (h *Handle) Close() error {
	if h.peer == nil {
		return nil
	}
	return h.peer.Close()
}

// MarkDeparted returns true only for the first caller, so teardown runs once
func (h *Handle) MarkDeparted() bool {
	return h.departed.CompareAndSwap(false, true)
}

// Departed reports whether teardown has started for this handle
func (h *Handle) Departed() bool {
	return h.departed.Load()
}

// CallState returns a snapshot of the call negotiation state
func (h *Handle) CallState() CallState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.call
}

// CompareAndSwapCall moves the call state from old to next atomically.
// Invalid transitions leave the state untouched and return false.
func (h *Handle) CompareAndSwapCall(old, next CallState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.call != old {
		return false
	}
	h.call = next
	return true
}

// ResetCall forces the handle back to idle and returns the state it left
func (h *Handle) ResetCall() CallState {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.call
	h.call = CallState{}
	return prev
}

// SensorTarget returns the current relay target, if streaming
func (h *Handle) SensorTarget() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sensorPhase != SensorStreaming {
		return "", false
	}
	return h.sensorTarget, true
}

// SensorPhase returns the relay phase
func (h *Handle) SensorPhase() SensorPhase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sensorPhase
}

// StartSensor sets the relay target and returns the previous one, if any.
// Last target wins.
func (h *Handle) StartSensor(target string) (prev string, wasStreaming bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, wasStreaming = h.sensorTarget, h.sensorPhase == SensorStreaming
	h.sensorTarget = target
	h.sensorPhase = SensorStreaming
	return prev, wasStreaming
}

// StopSensor clears the relay target. Idempotent.
func (h *Handle) StopSensor() (prev string, wasStreaming bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, wasStreaming = h.sensorTarget, h.sensorPhase == SensorStreaming
	h.sensorTarget = ""
	h.sensorPhase = SensorIdle
	return prev, wasStreaming
}

// StopSensorIfTarget clears the relay only when it points at target
func (h *Handle) StopSensorIfTarget(target string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sensorPhase != SensorStreaming || h.sensorTarget != target {
		return false
	}
	h.sensorTarget = ""
	h.sensorPhase = SensorIdle
	return true
}
