package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/rooms"
	"github.com/haasonsaas/relay/pkg/protocol"
)

var (
	// ErrSendBufferFull means the connection is not draining its queue.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnectionClosed means the connection was already closed.
	ErrConnectionClosed = errors.New("connection closed")
)

// Transport is the write side of a websocket. *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one authenticated transport session. Writes go through a
// bounded queue drained by a single writer goroutine.
type Connection struct {
	id              string
	identity        auth.Identity
	authenticatedAt time.Time
	lastActivity    atomic.Int64

	transport Transport
	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	code      int
	reason    string

	membership rooms.Membership
	inbound    *ratelimit.Bucket
	writeWait  time.Duration
	logger     *slog.Logger
}

func newConnection(id string, identity auth.Identity, transport Transport, now time.Time, cfg Config, inbound *ratelimit.Bucket, logger *slog.Logger) *Connection {
	c := &Connection{
		id:              id,
		identity:        identity,
		authenticatedAt: now,
		transport:       transport,
		send:            make(chan []byte, cfg.SendBuffer),
		done:            make(chan struct{}),
		inbound:         inbound,
		writeWait:       cfg.WriteTimeout,
		logger:          logger.With("connection_id", id, "user_id", identity.UserID),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// ID implements rooms.Member.
func (c *Connection) ID() string { return c.id }

// Identity implements rooms.Member.
func (c *Connection) Identity() auth.Identity { return c.identity }

// Membership implements rooms.Member.
func (c *Connection) Membership() *rooms.Membership { return &c.membership }

// AuthenticatedAt returns when the handshake succeeded.
func (c *Connection) AuthenticatedAt() time.Time { return c.authenticatedAt }

// LastActivity returns when the connection last sent a frame.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Alive reports whether the connection is still open.
func (c *Connection) Alive() bool { return !c.closed.Load() }

// CloseCode returns the close code and reason once closed.
func (c *Connection) CloseCode() (int, string) {
	if c.Alive() {
		return 0, ""
	}
	return c.code, c.reason
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *Connection) allowInbound() bool {
	return c.inbound == nil || c.inbound.Allow()
}

// enqueue serializes frame and queues it without blocking.
func (c *Connection) enqueue(frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	return c.enqueueRaw(data)
}

func (c *Connection) enqueueRaw(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// enqueueWait queues frame, waiting up to the write timeout for room in the
// queue. It is used off the publish path, where blocking is acceptable.
func (c *Connection) enqueueWait(ctx context.Context, frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	timer := time.NewTimer(c.writeWait)
	defer timer.Stop()
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrSendBufferFull
	}
}

// close marks the connection closed and tells the writer to send a close
// frame. It reports whether this call closed it.
func (c *Connection) close(code int, reason string) bool {
	first := false
	c.closeOnce.Do(func() {
		c.code = code
		c.reason = reason
		c.closed.Store(true)
		close(c.done)
		first = true
	})
	return first
}

// writeLoop drains the send queue until the connection is closed or a write
// fails. It owns the transport and closes it on exit. I/O deadlines use wall
// time since they are enforced by the network stack.
func (c *Connection) writeLoop() error {
	defer func() { _ = c.transport.Close() }()
	for {
		select {
		case <-c.done:
			msg := websocket.FormatCloseMessage(c.code, c.reason)
			_ = c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
			return nil
		case data := <-c.send:
			_ = c.transport.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.transport.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		}
	}
}
