package router

import "errors"

// Router-specific error types
var (
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrNotJoined          = errors.New("connection is not joined to channel")
	ErrNoStore            = errors.New("no conversation store configured")
	ErrInvalidReadReceipt = errors.New("read receipt needs a channel ID")
)
