package websocket

import "errors"

// ErrOriginRejected is logged when the upgrade is refused for a foreign origin
var ErrOriginRejected = errors.New("websocket origin not allowed")
