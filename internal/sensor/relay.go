// Package sensor relays telemetry from one source connection to one sink identity.
package sensor

import (
	"go.uber.org/zap"

	"wiicare/internal/registry"
	"wiicare/pkg/types"
)

// Reasons carried by sensor-stream-error and sensor-stream-stop
const (
	ReasonSourceUnavailable  = "source unavailable"
	ReasonTargetUnavailable  = "target unavailable"
	ReasonInvalidTarget      = "invalid target"
	ReasonRetargeted         = "retargeted"
	ReasonStopped            = "stopped"
	ReasonStoppedByTarget    = "stopped by target"
	ReasonSourceDisconnected = "source disconnected"
	ReasonTargetDisconnected = "target disconnected"
)

// Relay forwards samples using the relay target stored on the source's own handle.
// ARCHITECTURAL DISCOVERY: No global stream table; one target per source by construction
type Relay struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewRelay creates a sensor stream relay
func NewRelay(reg *registry.Registry, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{registry: reg, logger: logger.Named("sensor")}
}

// Request asks the source named in p.To to start sharing with the requester.
// It never starts the flow itself.
func (r *Relay) Request(requester *registry.Handle, p types.SensorPayload) bool {
	sourceID := p.To
	source, ok := r.registry.Lookup(sourceID)
	if !ok || sourceID == requester.UserID() {
		r.send(requester, types.EventSensorStreamError,
			types.SensorPayload{From: requester.UserID(), To: sourceID, Reason: ReasonSourceUnavailable})
		return false
	}
	return r.send(source, types.EventSensorStreamRequest,
		types.SensorPayload{From: requester.UserID(), To: sourceID})
}

// Start points the source's relay at p.To and tells the target streaming has begun.
// A previous, different target is told the stream stopped.
func (r *Relay) Start(source *registry.Handle, p types.SensorPayload) bool {
	targetID := p.To
	if !types.IsValidUserID(targetID) || targetID == source.UserID() {
		r.send(source, types.EventSensorStreamError,
			types.SensorPayload{From: source.UserID(), To: targetID, Reason: ReasonInvalidTarget})
		return false
	}
	target, ok := r.registry.Lookup(targetID)
	if !ok {
		r.send(source, types.EventSensorStreamError,
			types.SensorPayload{From: source.UserID(), To: targetID, Reason: ReasonTargetUnavailable})
		return false
	}

	prev, wasStreaming := source.StartSensor(targetID)
	if wasStreaming && prev != targetID {
		r.notifyStop(source.UserID(), prev, ReasonRetargeted)
	}

	r.send(target, types.EventSensorStreamStart, types.SensorPayload{From: source.UserID(), To: targetID})
	r.logger.Info("sensor stream started", zap.String("source", source.UserID()), zap.String("target", targetID))
	return true
}

// Push forwards one sample to the source's current target.
// No target, an invalid sample or a vanished target are all silent drops.
func (r *Relay) Push(source *registry.Handle, p types.SensorPayload) bool {
	targetID, streaming := source.SensorTarget()
	if !streaming {
		return false
	}
	if err := types.ValidateSample(p.Sample); err != nil {
		r.logger.Debug("sensor sample rejected", zap.String("source", source.UserID()), zap.Error(err))
		return false
	}
	target, ok := r.registry.Lookup(targetID)
	if !ok {
		return false
	}
	return r.send(target, types.EventSensorSample,
		types.SensorPayload{From: source.UserID(), To: targetID, Sample: p.Sample})
}

// Stop ends a stream. The source stops its own relay; a target may also stop the
// source named in p.To when that source is streaming to it.
func (r *Relay) Stop(h *registry.Handle, p types.SensorPayload) bool {
	if prev, wasStreaming := h.StopSensor(); wasStreaming {
		r.notifyStop(h.UserID(), prev, ReasonStopped)
		r.logger.Info("sensor stream stopped", zap.String("source", h.UserID()), zap.String("target", prev))
		return true
	}

	if p.To == "" {
		return false
	}
	source, ok := r.registry.Lookup(p.To)
	if !ok || !source.StopSensorIfTarget(h.UserID()) {
		return false
	}
	r.send(source, types.EventSensorStreamStop,
		types.SensorPayload{From: p.To, To: h.UserID(), Reason: ReasonStoppedByTarget})
	r.logger.Info("sensor stream stopped by target", zap.String("source", p.To), zap.String("target", h.UserID()))
	return true
}

// Teardown clears relay state for a disconnecting handle. identityGone is false
// when the handle was replaced by a reconnect, so streams aimed at the identity stay up.
func (r *Relay) Teardown(h *registry.Handle, identityGone bool) {
	if prev, wasStreaming := h.StopSensor(); wasStreaming {
		r.notifyStop(h.UserID(), prev, ReasonSourceDisconnected)
	}
	if !identityGone {
		return
	}
	for _, source := range r.registry.Handles() {
		if source.StopSensorIfTarget(h.UserID()) {
			r.send(source, types.EventSensorStreamStop,
				types.SensorPayload{From: source.UserID(), To: h.UserID(), Reason: ReasonTargetDisconnected})
		}
	}
}

func (r *Relay) notifyStop(sourceID, targetID, reason string) {
	if target, ok := r.registry.Lookup(targetID); ok {
		r.send(target, types.EventSensorStreamStop,
			types.SensorPayload{From: sourceID, To: targetID, Reason: reason})
	}
}

func (r *Relay) send(h *registry.Handle, eventType string, payload types.SensorPayload) bool {
	if err := h.Send(eventType, payload); err != nil {
		r.logger.Debug("sensor push dropped", zap.String("event", eventType), zap.String("to", h.UserID()), zap.Error(err))
		return false
	}
	return true
}
