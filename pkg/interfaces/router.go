package interfaces

import (
	"context"

	"wiicare/pkg/types"
)

// MessagePublisher pushes already-persisted conversation events to live connections.
// FUNCTIONAL DISCOVERY: Used by the REST layer so HTTP-originated messages
// take the same ordered path as socket-originated ones
type MessagePublisher interface {
	// PublishMessage fans a stored message out to the conversation channel
	// and pushes conversation summaries to participants outside the room
	PublishMessage(ctx context.Context, conv *types.Conversation, message *types.ChatMessage) error

	// PublishRead relays a stored read receipt to the conversation channel
	PublishRead(ctx context.Context, conv *types.Conversation, receipt *types.ReadReceipt) error
}
