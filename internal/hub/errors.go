package hub

import "errors"

// Hub-specific error types
var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrQueueFull         = errors.New("hub queue is full")
	ErrNilHandle         = errors.New("connection handle cannot be nil")
)

// Error codes carried by the error event sent back to a client
const (
	CodeInvalidEvent   = "invalid_event"
	CodeInvalidPayload = "invalid_payload"
	CodeRateLimited    = "rate_limited"
	CodeNotParticipant = "not_participant"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal"
)
