package websocket

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"wiicare/pkg/interfaces"
)

// closeGracePeriod bounds the close frame write during shutdown
const closeGracePeriod = time.Second

// Options tunes one connection's buffers and heartbeat
type Options struct {
	SendBuffer     int           // frames queued per connection before drops
	WriteTimeout   time.Duration // per-frame write deadline
	PongWait       time.Duration // read deadline renewed by each pong
	PingInterval   time.Duration // must be shorter than PongWait
	MaxMessageSize int64         // inbound frame limit in bytes
}

// DefaultOptions mirrors the production heartbeat: 30s ping, 60s pong wait
func DefaultOptions() Options {
	return Options{
		SendBuffer:     256,
		WriteTimeout:   5 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait / 2
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	return o
}

// Connection implements interfaces.Peer over a gorilla websocket
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	conn    *websocket.Conn
	writeCh chan []byte
	opts    Options
	ctx     context.Context    // For cancellation
	cancel  context.CancelFunc // For cleanup
}

var _ interfaces.Peer = (*Connection)(nil)

// NewConnection wraps an upgraded socket and starts its writer
func NewConnection(conn *websocket.Conn, opts Options) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		writeCh: make(chan []byte, opts.SendBuffer),
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}

	// Start the single writer goroutine
	go c.writeLoop()

	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races.
// It also owns the close frame, so Close never waits on a write in flight.
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	defer c.shutdown()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// Broken socket: closing unblocks the reader, which triggers teardown
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// shutdown runs on the writer goroutine once it stops
func (c *Connection) shutdown() {
	c.cancel()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))
	_ = c.conn.Close()
}

// Send enqueues a frame without blocking.
// TECHNICAL DISCOVERY: A full queue drops the frame so one slow client never stalls fan-out
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return interfaces.ErrPeerClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
		return interfaces.ErrPeerBufferFull
	}
}

// ReadLoop reads text frames until the socket fails or closes, handing each to onFrame.
// The pong handler renews the read deadline, so a silent peer times out after PongWait.
func (c *Connection) ReadLoop(onFrame func(data []byte)) error {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		onFrame(data)
	}
}

// Close stops the connection without blocking: the writer goroutine sends the
// close frame and closes the socket once any write in flight returns.
// Safe to call more than once.
func (c *Connection) Close() error {
	c.cancel()
	return nil
}

// Done is closed once the connection has been closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// RemoteAddr identifies the remote end for logging
func (c *Connection) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}
