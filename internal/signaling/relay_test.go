package signaling

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap/zaptest"

	"wiicare/internal/registry"
	"wiicare/internal/testutil"
	"wiicare/pkg/types"
)

type fixture struct {
	reg   *registry.Registry
	relay *Relay
}

func newFixture(t *testing.T) *fixture {
	reg := registry.NewRegistry()
	return &fixture{reg: reg, relay: NewRelay(reg, zaptest.NewLogger(t))}
}

func (f *fixture) connect(t *testing.T, userID string) (*registry.Handle, *testutil.RecordingPeer) {
	t.Helper()
	peer := testutil.NewRecordingPeer(userID)
	h := registry.NewHandle(types.Identity{UserID: userID, Role: types.RoleCaregiver}, peer)
	if _, err := f.reg.Register(h); err != nil {
		t.Fatal(err)
	}
	return h, peer
}

func failReason(t *testing.T, peer *testutil.RecordingPeer) string {
	t.Helper()
	evs := peer.EventsOfType(types.EventCallFailed)
	if len(evs) == 0 {
		t.Fatal("expected call-failed")
	}
	var p types.CallPayload
	testutil.Decode(evs[len(evs)-1], &p)
	return p.Reason
}

// Functional Validation Tests

func TestRelay_FullNegotiation(t *testing.T) {
	f := newFixture(t)
	alice, alicePeer := f.connect(t, "alice")
	bob, bobPeer := f.connect(t, "bob")

	offer := json.RawMessage(`{"sdp":"offer"}`)
	if !f.relay.Start(alice, types.CallPayload{To: "bob", Payload: offer}) {
		t.Fatal("Start should ring bob")
	}
	rings := bobPeer.EventsOfType(types.EventCallStart)
	if len(rings) != 1 {
		t.Fatalf("bob expected 1 call-start, got %d", len(rings))
	}
	var ring types.CallPayload
	testutil.Decode(rings[0], &ring)
	if ring.From != "alice" || string(ring.Payload) != `{"sdp":"offer"}` {
		t.Errorf("Unexpected ring payload %+v", ring)
	}
	if alice.CallState().Phase != registry.CallRinging || bob.CallState().Phase != registry.CallRinging {
		t.Error("Both sides should be ringing")
	}

	if !f.relay.Accept(bob, types.CallPayload{To: "alice", Payload: json.RawMessage(`{"sdp":"answer"}`)}) {
		t.Fatal("Accept should connect the call")
	}
	if alicePeer.Count(types.EventCallAccept) != 1 {
		t.Error("alice should receive call-accept")
	}
	if alice.CallState().Phase != registry.CallConnected || bob.CallState().Phase != registry.CallConnected {
		t.Error("Both sides should be connected")
	}

	// Hang up
	if !f.relay.Cancel(bob, types.CallPayload{To: "alice"}) {
		t.Fatal("Cancel while connected should hang up")
	}
	if alicePeer.Count(types.EventCallCancel) != 1 {
		t.Error("alice should receive call-cancel")
	}
	if alice.CallState().Phase != registry.CallIdle || bob.CallState().Phase != registry.CallIdle {
		t.Error("Both sides should be idle after hang-up")
	}
}

func TestRelay_Reject(t *testing.T) {
	f := newFixture(t)
	alice, alicePeer := f.connect(t, "alice")
	bob, _ := f.connect(t, "bob")

	f.relay.Start(alice, types.CallPayload{To: "bob"})
	if !f.relay.Reject(bob, types.CallPayload{To: "alice"}) {
		t.Fatal("Reject should relay")
	}
	if alicePeer.Count(types.EventCallReject) != 1 {
		t.Error("alice should receive call-reject")
	}
	if alice.CallState().Phase != registry.CallIdle {
		t.Error("Caller should return to idle")
	}
}

func TestRelay_CancelWhileRinging(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.connect(t, "alice")
	bob, bobPeer := f.connect(t, "bob")

	f.relay.Start(alice, types.CallPayload{To: "bob"})
	if f.relay.Cancel(bob, types.CallPayload{To: "alice"}) {
		t.Error("Callee cannot cancel a ring, it must reject")
	}
	if !f.relay.Cancel(alice, types.CallPayload{To: "bob"}) {
		t.Fatal("Caller should be able to cancel")
	}
	if bobPeer.Count(types.EventCallCancel) != 1 || bob.CallState().Phase != registry.CallIdle {
		t.Error("bob should be told and return to idle")
	}
}

func TestRelay_StartFailures(t *testing.T) {
	f := newFixture(t)
	alice, alicePeer := f.connect(t, "alice")
	bob, _ := f.connect(t, "bob")
	carol, carolPeer := f.connect(t, "carol")

	f.relay.Start(alice, types.CallPayload{To: "ghost"})
	if got := failReason(t, alicePeer); got != ReasonTargetUnavailable {
		t.Errorf("reason = %q, want %q", got, ReasonTargetUnavailable)
	}

	f.relay.Start(alice, types.CallPayload{To: "alice"})
	if got := failReason(t, alicePeer); got != ReasonInvalidTarget {
		t.Errorf("reason = %q, want %q", got, ReasonInvalidTarget)
	}

	f.relay.Start(alice, types.CallPayload{To: "bob"})
	f.relay.Start(carol, types.CallPayload{To: "bob"})
	if got := failReason(t, carolPeer); got != ReasonTargetBusy {
		t.Errorf("reason = %q, want %q", got, ReasonTargetBusy)
	}
	if carol.CallState().Phase != registry.CallIdle {
		t.Error("Failed caller must stay idle")
	}

	f.relay.Start(alice, types.CallPayload{To: "carol"})
	if got := failReason(t, alicePeer); got != ReasonCallerBusy {
		t.Errorf("reason = %q, want %q", got, ReasonCallerBusy)
	}
	if bob.CallState().Peer != "alice" {
		t.Error("Existing ring must be untouched")
	}
}

func TestRelay_StartToSaturatedTargetRollsBack(t *testing.T) {
	f := newFixture(t)
	alice, alicePeer := f.connect(t, "alice")
	bob, bobPeer := f.connect(t, "bob")
	bobPeer.SetFull(true)

	if f.relay.Start(alice, types.CallPayload{To: "bob"}) {
		t.Fatal("Start should fail when the ring cannot be delivered")
	}
	if failReason(t, alicePeer) != ReasonTargetUnavailable {
		t.Error("Caller should be told the target is unavailable")
	}
	if alice.CallState().Phase != registry.CallIdle || bob.CallState().Phase != registry.CallIdle {
		t.Error("Both sides should be rolled back to idle")
	}
}

// Accept toward an identity that is not connected is a silent drop
func TestRelay_AcceptMissingCallerSilentDrop(t *testing.T) {
	f := newFixture(t)
	bob, bobPeer := f.connect(t, "bob")

	if f.relay.Accept(bob, types.CallPayload{To: "ghost"}) {
		t.Error("Accept with no caller must not relay")
	}
	if len(bobPeer.Events()) != 0 {
		t.Errorf("Expected zero deliveries, got %v", bobPeer.Types())
	}
}

func TestRelay_AcceptAfterCallerLeft(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.connect(t, "alice")
	bob, bobPeer := f.connect(t, "bob")

	f.relay.Start(alice, types.CallPayload{To: "bob"})
	f.reg.Unregister(alice)

	if f.relay.Accept(bob, types.CallPayload{To: "alice"}) {
		t.Error("Accept toward a departed caller must be dropped")
	}
	if bob.CallState().Phase != registry.CallIdle {
		t.Error("Callee should return to idle")
	}
	if bobPeer.Count(types.EventCallAccept) != 0 {
		t.Error("No accept should be echoed")
	}
}

func TestRelay_InvalidTransitionsIgnored(t *testing.T) {
	f := newFixture(t)
	alice, alicePeer := f.connect(t, "alice")
	bob, bobPeer := f.connect(t, "bob")

	if f.relay.Accept(bob, types.CallPayload{To: "alice"}) {
		t.Error("Accept without a ring must be ignored")
	}
	if f.relay.Reject(bob, types.CallPayload{To: "alice"}) {
		t.Error("Reject without a ring must be ignored")
	}
	if f.relay.Cancel(alice, types.CallPayload{To: "bob"}) {
		t.Error("Cancel without a call must be ignored")
	}
	if len(alicePeer.Events())+len(bobPeer.Events()) != 0 {
		t.Error("Ignored transitions must produce no deliveries")
	}
	if alice.CallState().Phase != registry.CallIdle || bob.CallState().Phase != registry.CallIdle {
		t.Error("State must be untouched")
	}
}

func TestRelay_TeardownResetsCounterpart(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.connect(t, "alice")
	bob, bobPeer := f.connect(t, "bob")

	f.relay.Start(alice, types.CallPayload{To: "bob"})
	f.relay.Accept(bob, types.CallPayload{To: "alice"})

	f.relay.Teardown(alice)
	f.relay.Teardown(alice)

	if bob.CallState().Phase != registry.CallIdle {
		t.Error("Counterpart should be reset to idle")
	}
	if bobPeer.Count(types.EventCallCancel) != 0 {
		t.Error("Teardown resets silently")
	}
}
