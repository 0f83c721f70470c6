package interfaces

import (
	"context"
	"time"

	"wiicare/pkg/types"
)

// DatabaseManager is the data-access collaborator for conversations and messages.
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// lets the SQLite and MongoDB drivers be swapped without touching routing code
type DatabaseManager interface {
	// Conversation operations

	// CreateConversation persists a new conversation with its participants
	CreateConversation(ctx context.Context, conv *types.Conversation) error

	// GetConversation returns ErrConversationNotFound for unknown IDs
	GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error)

	// ListConversations returns the list view for one participant,
	// most recently updated first, with last message and unread count
	ListConversations(ctx context.Context, userID string) ([]*types.ConversationSummary, error)

	// Message operations

	// StoreMessage persists a message and bumps the conversation's updated_at.
	// FUNCTIONAL DISCOVERY: Message storage must complete before the live push
	// so a client offline at publish time still sees it on next fetch
	StoreMessage(ctx context.Context, message *types.ChatMessage) error

	// GetMessages returns up to limit messages older than before, oldest first.
	// A zero before means "latest".
	GetMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*types.ChatMessage, error)

	// MarkRead moves a participant's read marker forward to at
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error

	// UnreadCount counts messages from other participants after the read marker
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)

	// Health and lifecycle operations

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
