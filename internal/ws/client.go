package ws

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fakeos/termbroker/internal/session"
)

// DefaultQueueSize is the number of frames a client buffers before it is
// considered too slow.
const DefaultQueueSize = 256

// ErrClientClosed is returned when queueing to a closed client.
var ErrClientClosed = errors.New("client closed")

type frame struct {
	messageType int
	data        []byte
}

// Client represents a WebSocket client connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan frame

	mu      sync.Mutex
	closed  bool
	session string
}

var _ session.Viewer = (*Client)(nil)

// NewClient creates a new WebSocket client with room for queueSize
// outbound frames.
func NewClient(conn *websocket.Conn, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan frame, queueSize),
	}
}

// ID returns the client's unique id.
func (c *Client) ID() string {
	return c.id
}

// Deliver queues terminal bytes as a binary frame. A full queue closes the
// client.
func (c *Client) Deliver(data []byte) error {
	return c.enqueue(frame{messageType: websocket.BinaryMessage, data: data})
}

// NotifyExit queues an exit message for the session the client joined.
func (c *Client) NotifyExit(message string) error {
	c.mu.Lock()
	id := c.session
	c.mu.Unlock()

	return c.Send(&Message{Type: MessageTypeExit, Session: id, Message: message})
}

// Send queues a control message.
func (c *Client) Send(msg *Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(frame{messageType: websocket.TextMessage, data: data})
}

func (c *Client) enqueue(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	select {
	case c.send <- f:
		return nil
	default:
		// Buffer full, close the client
		c.closeLocked()
		return session.ErrBackpressure
	}
}

// setSession records the session the client is attached to.
func (c *Client) setSession(id string) {
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
}

// Session returns the id of the session the client last joined.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Close closes the send queue. The write pump then closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns whether the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
