package interfaces

// Peer is the transport side of one live client connection.
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and routing logic
type Peer interface {
	// Send enqueues one encoded frame without blocking.
	// Returns ErrPeerBufferFull or ErrPeerClosed when the frame is dropped.
	Send(data []byte) error

	// Close closes the underlying connection. Safe to call more than once.
	Close() error

	// RemoteAddr identifies the remote end for logging
	RemoteAddr() string
}
