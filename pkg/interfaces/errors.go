package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists")
	ErrNotParticipant       = errors.New("user is not a conversation participant")
	ErrUnauthorized         = errors.New("unauthorized access")
	ErrPeerClosed           = errors.New("peer connection closed")
	ErrPeerBufferFull       = errors.New("peer send buffer full")
)
