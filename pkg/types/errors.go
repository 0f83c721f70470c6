package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidUserID      = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidChannelID   = errors.New("channel ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidEventType   = errors.New("invalid event type")
	ErrInvalidPayload     = errors.New("invalid event payload")
	ErrEmptyMessage       = errors.New("message text cannot be empty")
	ErrMessageTooLarge    = errors.New("message text exceeds 8KB limit")
	ErrSampleTooLarge     = errors.New("sensor sample exceeds 4KB limit")
	ErrInvalidParticipant = errors.New("conversation needs at least two distinct valid participants")
)
