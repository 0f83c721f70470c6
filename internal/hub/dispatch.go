package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"wiicare/internal/registry"
	"wiicare/internal/router"
	"wiicare/pkg/interfaces"
	"wiicare/pkg/types"
)

// HandleFrame processes one inbound frame from handle's reader goroutine.
// ARCHITECTURAL DISCOVERY: Decoding and store I/O happen here, on the reader, so the
// event loop never waits on the database; only the routing step is queued.
// Frames from one connection stay in order because each reader calls this sequentially.
func (h *Hub) HandleFrame(ctx context.Context, handle *registry.Handle, data []byte) {
	if !h.rateLimiter.Allow(handle.UserID()) {
		h.logger.Warn("rate limit exceeded, frame dropped", zap.String("user_id", handle.UserID()))
		h.sendError(handle, CodeRateLimited, router.ErrRateLimitExceeded)
		return
	}

	ev, err := types.ParseEvent(data)
	if err != nil {
		h.logger.Warn("malformed frame", zap.String("user_id", handle.UserID()), zap.Error(err))
		code := CodeInvalidPayload
		if errors.Is(err, types.ErrInvalidEventType) {
			code = CodeInvalidEvent
		}
		h.sendError(handle, code, err)
		return
	}

	run, err := h.prepare(ctx, handle, ev)
	if err != nil {
		h.logger.Warn("frame rejected",
			zap.String("user_id", handle.UserID()),
			zap.String("event", ev.Type),
			zap.Error(err))
		h.sendError(handle, errorCode(err), err)
		return
	}
	if run == nil {
		return
	}

	j := &job{kind: jobRun, run: func() {
		if h.live(handle) {
			run()
		}
	}}
	if err := h.enqueue(ctx, j); err != nil {
		h.logger.Warn("frame dropped", zap.String("user_id", handle.UserID()), zap.String("event", ev.Type), zap.Error(err))
	}
}

// prepare decodes the payload and performs any store work, returning the step
// that must run on the loop
func (h *Hub) prepare(ctx context.Context, handle *registry.Handle, ev *types.Event) (func(), error) {
	switch ev.Type {
	case types.EventJoinChannel:
		var p types.ChannelPayload
		if err := decode(ev, &p, p.Validate); err != nil {
			return nil, err
		}
		storeCtx, cancel := context.WithTimeout(ctx, h.storeTimeout)
		defer cancel()
		if err := h.router.AuthorizeJoin(storeCtx, handle.UserID(), p.ChannelID); err != nil {
			return nil, err
		}
		return func() { h.router.Join(handle, p.ChannelID) }, nil

	case types.EventLeaveChannel:
		var p types.ChannelPayload
		if err := decode(ev, &p, p.Validate); err != nil {
			return nil, err
		}
		return func() { h.router.Leave(handle, p.ChannelID) }, nil

	case types.EventTyping:
		var p types.TypingPayload
		if err := decode(ev, &p, nil); err != nil {
			return nil, err
		}
		if !types.IsValidChannelID(p.ChannelID) {
			return nil, types.ErrInvalidChannelID
		}
		return func() { h.router.Typing(handle, p) }, nil

	case types.EventNewMessage:
		var p types.SendMessagePayload
		if err := decode(ev, &p, nil); err != nil {
			return nil, err
		}
		storeCtx, cancel := context.WithTimeout(ctx, h.storeTimeout)
		defer cancel()
		conv, msg, err := h.router.PersistMessage(storeCtx, handle.UserID(), p)
		if err != nil {
			return nil, err
		}
		d := &router.Delivery{
			Conversation: conv,
			Message:      msg,
			Summaries:    h.router.Summaries(storeCtx, conv, msg),
		}
		// Already durable: deliver even if the sender disconnects meanwhile
		h.deliver(ctx, func() { h.router.DeliverMessage(d) })
		return nil, nil

	case types.EventMarkRead:
		var p types.ReadReceipt
		if err := decode(ev, &p, nil); err != nil {
			return nil, err
		}
		storeCtx, cancel := context.WithTimeout(ctx, h.storeTimeout)
		defer cancel()
		conv, receipt, err := h.router.PersistRead(storeCtx, handle.UserID(), p)
		if err != nil {
			return nil, err
		}
		h.deliver(ctx, func() { h.router.DeliverRead(conv, receipt) })
		return nil, nil

	case types.EventRequestOnlineUsers:
		return func() { h.presence.Snapshot(handle) }, nil

	case types.EventCallStart, types.EventCallAccept, types.EventCallReject, types.EventCallCancel:
		var p types.CallPayload
		if err := decode(ev, &p, nil); err != nil {
			return nil, err
		}
		p.From = handle.UserID()
		return h.callStep(ev.Type, handle, p), nil

	case types.EventSensorStreamRequest, types.EventSensorStreamStart, types.EventSensorSample, types.EventSensorStreamStop:
		var p types.SensorPayload
		if err := decode(ev, &p, nil); err != nil {
			return nil, err
		}
		p.From = handle.UserID()
		return h.sensorStep(ev.Type, handle, p), nil
	}

	return nil, types.ErrInvalidEventType
}

func (h *Hub) callStep(eventType string, handle *registry.Handle, p types.CallPayload) func() {
	switch eventType {
	case types.EventCallStart:
		return func() { h.signaling.Start(handle, p) }
	case types.EventCallAccept:
		return func() { h.signaling.Accept(handle, p) }
	case types.EventCallReject:
		return func() { h.signaling.Reject(handle, p) }
	default:
		return func() { h.signaling.Cancel(handle, p) }
	}
}

func (h *Hub) sensorStep(eventType string, handle *registry.Handle, p types.SensorPayload) func() {
	switch eventType {
	case types.EventSensorStreamRequest:
		return func() { h.sensor.Request(handle, p) }
	case types.EventSensorStreamStart:
		return func() { h.sensor.Start(handle, p) }
	case types.EventSensorSample:
		return func() { h.sensor.Push(handle, p) }
	default:
		return func() { h.sensor.Stop(handle, p) }
	}
}

func (h *Hub) deliver(ctx context.Context, fn func()) {
	if err := h.enqueue(ctx, &job{kind: jobRun, run: fn}); err != nil {
		h.logger.Warn("live delivery dropped, message remains in history", zap.Error(err))
	}
}

func (h *Hub) sendError(handle *registry.Handle, code string, err error) {
	if sendErr := handle.Send(types.EventError, types.ErrorPayload{Code: code, Message: err.Error()}); sendErr != nil {
		h.logger.Debug("error notice dropped", zap.String("user_id", handle.UserID()), zap.Error(sendErr))
	}
}

func decode(ev *types.Event, v interface{}, validate func() error) error {
	if err := ev.DecodePayload(v); err != nil {
		return err
	}
	if validate != nil {
		return validate()
	}
	return nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrNotParticipant):
		return CodeNotParticipant
	case errors.Is(err, interfaces.ErrConversationNotFound):
		return CodeNotFound
	case errors.Is(err, types.ErrInvalidPayload),
		errors.Is(err, types.ErrInvalidChannelID),
		errors.Is(err, types.ErrEmptyMessage),
		errors.Is(err, types.ErrMessageTooLarge),
		errors.Is(err, router.ErrInvalidReadReceipt):
		return CodeInvalidPayload
	case errors.Is(err, types.ErrInvalidEventType):
		return CodeInvalidEvent
	default:
		return CodeInternal
	}
}
