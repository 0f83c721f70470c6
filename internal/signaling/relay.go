// Package signaling relays video-call negotiation between two identities.
package signaling

import (
	"go.uber.org/zap"

	"wiicare/internal/registry"
	"wiicare/pkg/types"
)

// Reasons carried by call-failed
const (
	ReasonTargetUnavailable = "target unavailable"
	ReasonTargetBusy        = "target busy"
	ReasonCallerBusy        = "caller busy"
	ReasonInvalidTarget     = "invalid target"
)

// Relay forwards call events point-to-point via the registry.
// ARCHITECTURAL DISCOVERY: Call phase is explicit state on both handles; every
// transition is a compare-and-swap so out-of-order signals are dropped, not applied
type Relay struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewRelay creates a call signaling relay
func NewRelay(reg *registry.Registry, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{registry: reg, logger: logger.Named("signaling")}
}

// Start rings the target. Failures are answered with call-failed to the caller.
func (r *Relay) Start(caller *registry.Handle, p types.CallPayload) bool {
	target := p.To
	if !types.IsValidUserID(target) || target == caller.UserID() {
		r.fail(caller, target, ReasonInvalidTarget)
		return false
	}
	if caller.CallState().Phase != registry.CallIdle {
		r.fail(caller, target, ReasonCallerBusy)
		return false
	}

	callee, ok := r.registry.Lookup(target)
	if !ok {
		r.fail(caller, target, ReasonTargetUnavailable)
		return false
	}

	outgoing := registry.CallState{Phase: registry.CallRinging, Peer: target, Outgoing: true}
	incoming := registry.CallState{Phase: registry.CallRinging, Peer: caller.UserID()}

	if !caller.CompareAndSwapCall(registry.CallState{}, outgoing) {
		r.fail(caller, target, ReasonCallerBusy)
		return false
	}
	if !callee.CompareAndSwapCall(registry.CallState{}, incoming) {
		caller.CompareAndSwapCall(outgoing, registry.CallState{})
		r.fail(caller, target, ReasonTargetBusy)
		return false
	}

	ring := types.CallPayload{From: caller.UserID(), To: target, Payload: p.Payload}
	if err := callee.Send(types.EventCallStart, ring); err != nil {
		// Stale target: roll both sides back
		callee.CompareAndSwapCall(incoming, registry.CallState{})
		caller.CompareAndSwapCall(outgoing, registry.CallState{})
		r.fail(caller, target, ReasonTargetUnavailable)
		return false
	}

	r.logger.Info("call ringing", zap.String("from", caller.UserID()), zap.String("to", target))
	return true
}

// Accept connects a ringing call. p.To names the original caller.
func (r *Relay) Accept(callee *registry.Handle, p types.CallPayload) bool {
	callerID := p.To
	incoming := registry.CallState{Phase: registry.CallRinging, Peer: callerID}
	if callee.CallState() != incoming {
		return r.ignore(callee, types.EventCallAccept, callerID)
	}

	caller, ok := r.registry.Lookup(callerID)
	if !ok {
		callee.CompareAndSwapCall(incoming, registry.CallState{})
		return r.ignore(callee, types.EventCallAccept, callerID)
	}
	outgoing := registry.CallState{Phase: registry.CallRinging, Peer: callee.UserID(), Outgoing: true}
	if !caller.CompareAndSwapCall(outgoing, registry.CallState{Phase: registry.CallConnected, Peer: callee.UserID()}) {
		callee.CompareAndSwapCall(incoming, registry.CallState{})
		return r.ignore(callee, types.EventCallAccept, callerID)
	}
	callee.CompareAndSwapCall(incoming, registry.CallState{Phase: registry.CallConnected, Peer: callerID})

	r.send(caller, types.EventCallAccept, types.CallPayload{From: callee.UserID(), To: callerID, Payload: p.Payload})
	r.logger.Info("call connected", zap.String("caller", callerID), zap.String("callee", callee.UserID()))
	return true
}

// Reject declines a ringing call. p.To names the original caller.
func (r *Relay) Reject(callee *registry.Handle, p types.CallPayload) bool {
	callerID := p.To
	incoming := registry.CallState{Phase: registry.CallRinging, Peer: callerID}
	if !callee.CompareAndSwapCall(incoming, registry.CallState{}) {
		return r.ignore(callee, types.EventCallReject, callerID)
	}

	caller, ok := r.registry.Lookup(callerID)
	if !ok {
		return r.ignore(callee, types.EventCallReject, callerID)
	}
	caller.CompareAndSwapCall(registry.CallState{Phase: registry.CallRinging, Peer: callee.UserID(), Outgoing: true}, registry.CallState{})

	r.send(caller, types.EventCallReject, types.CallPayload{From: callee.UserID(), To: callerID, Payload: p.Payload})
	return true
}

// Cancel withdraws an outgoing ring or hangs up a connected call. p.To names the counterpart.
func (r *Relay) Cancel(h *registry.Handle, p types.CallPayload) bool {
	peerID := p.To
	state := h.CallState()
	cancellable := state.Peer == peerID &&
		((state.Phase == registry.CallRinging && state.Outgoing) || state.Phase == registry.CallConnected)
	if !cancellable || !h.CompareAndSwapCall(state, registry.CallState{}) {
		return r.ignore(h, types.EventCallCancel, peerID)
	}

	peer, ok := r.registry.Lookup(peerID)
	if !ok {
		return r.ignore(h, types.EventCallCancel, peerID)
	}
	if peer.CallState().Peer == h.UserID() {
		peer.ResetCall()
	}

	r.send(peer, types.EventCallCancel, types.CallPayload{From: h.UserID(), To: peerID, Payload: p.Payload})
	return true
}

// Teardown resets call state when h disconnects.
// The counterpart is reset silently and must time out client-side.
func (r *Relay) Teardown(h *registry.Handle) {
	prev := h.ResetCall()
	if prev.Phase == registry.CallIdle {
		return
	}
	if peer, ok := r.registry.Lookup(prev.Peer); ok && peer.CallState().Peer == h.UserID() {
		peer.ResetCall()
	}
	r.logger.Debug("call state cleared on disconnect",
		zap.String("user_id", h.UserID()),
		zap.String("peer", prev.Peer),
		zap.Stringer("phase", prev.Phase))
}

func (r *Relay) fail(caller *registry.Handle, target, reason string) {
	r.send(caller, types.EventCallFailed, types.CallPayload{From: caller.UserID(), To: target, Reason: reason})
	r.logger.Debug("call failed",
		zap.String("from", caller.UserID()), zap.String("to", target), zap.String("reason", reason))
}

func (r *Relay) send(h *registry.Handle, eventType string, payload types.CallPayload) {
	if err := h.Send(eventType, payload); err != nil {
		r.logger.Debug("call push dropped", zap.String("event", eventType), zap.String("to", h.UserID()), zap.Error(err))
	}
}

func (r *Relay) ignore(h *registry.Handle, eventType, peer string) bool {
	r.logger.Debug("call signal ignored",
		zap.String("event", eventType),
		zap.String("user_id", h.UserID()),
		zap.String("peer", peer),
		zap.Stringer("phase", h.CallState().Phase))
	return false
}
