package registry

import "errors"

// Registry-related errors
var (
	ErrNilHandle       = errors.New("connection handle cannot be nil")
	ErrInvalidIdentity = errors.New("connection handle has no valid identity")
	ErrNotRegistered   = errors.New("connection handle is not the registered handle for its identity")
)
