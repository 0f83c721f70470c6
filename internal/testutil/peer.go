// Package testutil holds fakes shared by package tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"wiicare/pkg/interfaces"
	"wiicare/pkg/types"
)

// RecordingPeer is an in-memory interfaces.Peer that records every frame.
// Safe for concurrent use.
type RecordingPeer struct {
	Addr string

	mu     sync.Mutex
	frames [][]byte
	closed bool
	full   bool
	notify chan struct{}
}

// NewRecordingPeer creates a peer with a recognisable remote address
func NewRecordingPeer(name string) *RecordingPeer {
	return &RecordingPeer{
		Addr:   name + ":0",
		notify: make(chan struct{}, 1),
	}
}

// Send records the frame unless the peer is closed or simulating a full buffer
func (p *RecordingPeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return interfaces.ErrPeerClosed
	}
	if p.full {
		return interfaces.ErrPeerBufferFull
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.frames = append(p.frames, cp)

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the peer closed. Idempotent.
func (p *RecordingPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// RemoteAddr implements interfaces.Peer
func (p *RecordingPeer) RemoteAddr() string { return p.Addr }

// Closed reports whether Close was called
func (p *RecordingPeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// SetFull makes subsequent sends fail as if the write queue were saturated
func (p *RecordingPeer) SetFull(full bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.full = full
}

// Events decodes every recorded frame
func (p *RecordingPeer) Events() []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.Event, 0, len(p.frames))
	for _, f := range p.frames {
		var ev types.Event
		if err := json.Unmarshal(f, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// EventsOfType returns recorded events with the given type, in order
func (p *RecordingPeer) EventsOfType(eventType string) []types.Event {
	var out []types.Event
	for _, ev := range p.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Types returns the type of every recorded event, in order
func (p *RecordingPeer) Types() []string {
	events := p.Events()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// Count returns how many events of the type were recorded
func (p *RecordingPeer) Count(eventType string) int {
	return len(p.EventsOfType(eventType))
}

// Reset forgets recorded frames
func (p *RecordingPeer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = nil
}

// WaitFor blocks until an event of the type has been recorded or the timeout elapses
func (p *RecordingPeer) WaitFor(eventType string, timeout time.Duration) (types.Event, error) {
	deadline := time.After(timeout)
	for {
		if evs := p.EventsOfType(eventType); len(evs) > 0 {
			return evs[len(evs)-1], nil
		}
		select {
		case <-p.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return types.Event{}, fmt.Errorf("timed out waiting for %s on %s", eventType, p.Addr)
		}
	}
}

// Decode unmarshals an event payload into v, panicking on malformed test data
func Decode(ev types.Event, v interface{}) {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		panic(fmt.Sprintf("testutil: decode %s payload: %v", ev.Type, err))
	}
}
