// Package router scopes chat, typing and read-receipt fan-out to conversation channels.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wiicare/internal/registry"
	"wiicare/pkg/interfaces"
	"wiicare/pkg/types"
)

// Router routes channel events through the registry's channel index
// ARCHITECTURAL DISCOVERY: Store calls (Authorize*, Persist*, Summaries) run on the
// caller's goroutine; delivery calls run on the hub loop and never touch the store
type Router struct {
	registry  *registry.Registry
	dbManager interfaces.DatabaseManager
	logger    *zap.Logger
}

// Delivery is a persisted message ready for the live path
type Delivery struct {
	Conversation *types.Conversation
	Message      *types.ChatMessage
	// Summaries keyed by participant, for those who are not in the room
	Summaries map[string]*types.ConversationSummary
}

// NewRouter creates a new channel router. dbManager may be nil, in which case
// messages are relayed without persistence and joins are never checked.
func NewRouter(reg *registry.Registry, dbManager interfaces.DatabaseManager, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry:  reg,
		dbManager: dbManager,
		logger:    logger.Named("router"),
	}
}

// AuthorizeJoin checks that userID participates in the conversation behind channelID.
// Unknown channels are ad-hoc rooms and always joinable; store errors let the join through.
// Ad-hoc rooms relay ephemeral events only, see PersistMessage.
func (r *Router) AuthorizeJoin(ctx context.Context, userID, channelID string) error {
	if !types.IsValidChannelID(channelID) {
		return types.ErrInvalidChannelID
	}
	if r.dbManager == nil {
		return nil
	}

	conv, err := r.dbManager.GetConversation(ctx, channelID)
	if errors.Is(err, interfaces.ErrConversationNotFound) {
		return nil
	}
	if err != nil {
		r.logger.Warn("join check failed, allowing join",
			zap.String("user_id", userID), zap.String("channel", channelID), zap.Error(err))
		return nil
	}
	if !isParticipant(conv, userID) {
		return interfaces.ErrNotParticipant
	}
	return nil
}

// Join subscribes h to channelID. Idempotent.
func (r *Router) Join(h *registry.Handle, channelID string) bool {
	if !r.registry.Join(h, channelID) {
		return false
	}
	r.logger.Debug("joined channel", zap.String("user_id", h.UserID()), zap.String("channel", channelID))
	return true
}

// Leave unsubscribes h from channelID. Idempotent.
func (r *Router) Leave(h *registry.Handle, channelID string) bool {
	if !r.registry.Leave(h, channelID) {
		return false
	}
	r.logger.Debug("left channel", zap.String("user_id", h.UserID()), zap.String("channel", channelID))
	return true
}

// LeaveAll drops every channel membership of h
func (r *Router) LeaveAll(h *registry.Handle) []string {
	return r.registry.LeaveAll(h)
}

// Publish delivers an event to every connection joined to channelID except those
// of the excluded identity. Returns the number of successful pushes.
// FUNCTIONAL DISCOVERY: Continue delivery to other members even if one fails
func (r *Router) Publish(channelID, eventType string, payload interface{}, exclude string) int {
	delivered := 0
	for _, member := range r.registry.Members(channelID) {
		if member.UserID() == exclude {
			continue
		}
		if err := member.Send(eventType, payload); err != nil {
			r.logger.Debug("channel push dropped",
				zap.String("event", eventType),
				zap.String("channel", channelID),
				zap.String("to", member.UserID()),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Typing relays a typing indicator to everyone else in the channel.
// The sender identity always comes from the connection, never the payload.
func (r *Router) Typing(h *registry.Handle, p types.TypingPayload) int {
	p.UserID = h.UserID()
	return r.Publish(p.ChannelID, types.EventTyping, p, h.UserID())
}

// NotifyConversationUpdate pushes a summary to one identity, dropping it if offline
func (r *Router) NotifyConversationUpdate(userID string, summary *types.ConversationSummary) bool {
	target, ok := r.registry.Lookup(userID)
	if !ok {
		return false
	}
	if err := target.Send(types.EventConversationUpdated, summary); err != nil {
		r.logger.Debug("conversation update dropped", zap.String("to", userID), zap.Error(err))
		return false
	}
	return true
}

// PersistMessage validates and stores a message from senderID.
// FUNCTIONAL DISCOVERY: Persist-then-route ensures the durable copy exists before the live push.
// Server-side ID generation prevents client tampering. Chat needs a conversation
// record, so ad-hoc rooms get ErrConversationNotFound here and carry only typing
// and read receipts.
func (r *Router) PersistMessage(ctx context.Context, senderID string, p types.SendMessagePayload) (*types.Conversation, *types.ChatMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}

	message := &types.ChatMessage{
		ID:        uuid.New().String(),
		ChannelID: p.ChannelID,
		SenderID:  senderID,
		Text:      p.Text,
		CreatedAt: time.Now().UTC(),
	}

	if r.dbManager == nil {
		return &types.Conversation{ID: p.ChannelID, UpdatedAt: message.CreatedAt}, message, nil
	}

	conv, err := r.dbManager.GetConversation(ctx, p.ChannelID)
	if err != nil {
		return nil, nil, err
	}
	if !isParticipant(conv, senderID) {
		return nil, nil, interfaces.ErrNotParticipant
	}
	if err := r.dbManager.StoreMessage(ctx, message); err != nil {
		return nil, nil, fmt.Errorf("failed to persist message: %w", err)
	}
	conv.UpdatedAt = message.CreatedAt
	return conv, message, nil
}

// PersistRead moves the reader's marker forward and returns the receipt to relay.
// ReadAt is capped at the server clock. Ad-hoc channels without a conversation
// record are relayed without persistence.
func (r *Router) PersistRead(ctx context.Context, userID string, receipt types.ReadReceipt) (*types.Conversation, *types.ReadReceipt, error) {
	if !types.IsValidChannelID(receipt.ChannelID) {
		return nil, nil, ErrInvalidReadReceipt
	}
	receipt.UserID = userID
	// Markers only move forward, so a client clock ahead of ours would hide every later message
	if now := time.Now().UTC(); receipt.ReadAt.IsZero() || receipt.ReadAt.After(now) {
		receipt.ReadAt = now
	}

	if r.dbManager == nil {
		return &types.Conversation{ID: receipt.ChannelID}, &receipt, nil
	}

	conv, err := r.dbManager.GetConversation(ctx, receipt.ChannelID)
	if errors.Is(err, interfaces.ErrConversationNotFound) {
		return &types.Conversation{ID: receipt.ChannelID}, &receipt, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if !isParticipant(conv, userID) {
		return nil, nil, interfaces.ErrNotParticipant
	}
	if err := r.dbManager.MarkRead(ctx, conv.ID, userID, receipt.ReadAt); err != nil {
		return nil, nil, fmt.Errorf("failed to persist read marker: %w", err)
	}
	return conv, &receipt, nil
}

// Summaries builds the conversation-updated payload for every participant that is
// online but not joined to the room. Unread counts come from the store.
func (r *Router) Summaries(ctx context.Context, conv *types.Conversation, message *types.ChatMessage) map[string]*types.ConversationSummary {
	out := make(map[string]*types.ConversationSummary)
	for _, participant := range conv.Participants {
		h, online := r.registry.Lookup(participant)
		if !online || r.registry.IsJoined(h, conv.ID) {
			continue
		}

		unread := 0
		if r.dbManager != nil {
			n, err := r.dbManager.UnreadCount(ctx, conv.ID, participant)
			if err != nil {
				r.logger.Warn("unread count failed",
					zap.String("conversation", conv.ID), zap.String("user_id", participant), zap.Error(err))
			} else {
				unread = n
			}
		}

		out[participant] = &types.ConversationSummary{
			ConversationID: conv.ID,
			Participants:   conv.Participants,
			LastMessage:    message,
			UnreadCount:    unread,
			UpdatedAt:      message.CreatedAt,
		}
	}
	return out
}

// DeliverMessage is the instant path for a persisted message: the channel first,
// then point-to-point summaries for participants outside the room.
func (r *Router) DeliverMessage(d *Delivery) int {
	delivered := r.Publish(d.Conversation.ID, types.EventNewMessage, d.Message, d.Message.SenderID)

	for participant, summary := range d.Summaries {
		// Joined since the summaries were built: the channel push already covered them
		if h, ok := r.registry.Lookup(participant); ok && r.registry.IsJoined(h, d.Conversation.ID) {
			continue
		}
		r.NotifyConversationUpdate(participant, summary)
	}

	r.logger.Debug("message delivered",
		zap.String("message_id", d.Message.ID),
		zap.String("channel", d.Conversation.ID),
		zap.Int("recipients", delivered))
	return delivered
}

// DeliverRead relays a receipt to the room and directly to participants outside it
func (r *Router) DeliverRead(conv *types.Conversation, receipt *types.ReadReceipt) int {
	delivered := r.Publish(conv.ID, types.EventMarkRead, receipt, receipt.UserID)

	for _, participant := range conv.Participants {
		if participant == receipt.UserID {
			continue
		}
		h, ok := r.registry.Lookup(participant)
		if !ok || r.registry.IsJoined(h, conv.ID) {
			continue
		}
		if err := h.Send(types.EventMarkRead, receipt); err == nil {
			delivered++
		}
	}
	return delivered
}

func isParticipant(conv *types.Conversation, userID string) bool {
	for _, p := range conv.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
