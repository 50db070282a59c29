package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fakeos/termbroker/internal/broker"
	"github.com/fakeos/termbroker/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. JSON escaping can inflate
	// the largest accepted input several times.
	maxMessageSize = 8 * broker.MaxInputSize
)

const (
	// DefaultWelcome is the text of the server_message sent on connect.
	DefaultWelcome = "Connection established with FakeOS Server!"

	// DefaultInputRate and DefaultInputBurst bound input messages per
	// connection.
	DefaultInputRate  rate.Limit = 200
	DefaultInputBurst            = 200
)

// Config configures a Handler.
type Config struct {
	Welcome    string
	QueueSize  int
	InputRate  rate.Limit
	InputBurst int

	// CheckOrigin overrides the upgrader's origin check. Nil accepts every
	// origin.
	CheckOrigin func(r *http.Request) bool

	Logger  zerolog.Logger
	Metrics *metrics.Collectors
}

// Handler handles WebSocket connections for terminal sessions.
type Handler struct {
	broker   *broker.Broker
	config   Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a new WebSocket handler serving sessions of b.
func NewHandler(b *broker.Broker, config Config) *Handler {
	if config.Welcome == "" {
		config.Welcome = DefaultWelcome
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.InputRate <= 0 {
		config.InputRate = DefaultInputRate
	}
	if config.InputBurst <= 0 {
		config.InputBurst = DefaultInputBurst
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Handler{
		broker: b,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: config.Logger.With().Str("module", "ws").Logger(),
	}
}

// ServeShared upgrades the request to a connection that joins shared
// sessions by id.
func (h *Handler) ServeShared(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false)
}

// ServeStandalone upgrades the request to a connection with its own
// respawning terminal, which is closed when the connection ends.
func (h *Handler) ServeStandalone(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

// connection is the state of one served client.
type connection struct {
	client  *Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, standalone bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, h.config.QueueSize)
	c := &connection{
		client:  client,
		limiter: rate.NewLimiter(h.config.InputRate, h.config.InputBurst),
		logger:  h.logger.With().Str("viewer", client.ID()).Logger(),
	}
	c.logger.Info().Str("remote", r.RemoteAddr).Bool("standalone", standalone).Msg("client connected")

	go h.writePump(client)
	client.Send(&Message{Type: MessageTypeServerMessage, Message: h.config.Welcome})

	ctx := r.Context()
	if standalone {
		id, err := h.broker.OpenStandalone(ctx, client)
		if err != nil {
			c.logger.Warn().Err(err).Msg("standalone terminal failed to start")
			h.sendError(c, "", err)
		} else {
			client.setSession(id)
			client.Send(&Message{Type: MessageTypeJoined, Session: id})
		}
	}

	h.readPump(ctx, c)
}

// handleMessage processes a control message from the client.
func (h *Handler) handleMessage(ctx context.Context, c *connection, msg *Message) {
	switch msg.Type {
	case MessageTypeJoin:
		h.handleJoin(ctx, c, msg.Session)
	case MessageTypeLeave:
		if err := h.broker.Leave(c.client); err != nil {
			h.sendError(c, "", err)
		}
	case MessageTypeInput:
		h.handleInput(c, msg.Session, []byte(msg.Data))
	case MessageTypeResize:
		h.handleResize(c, msg)
	case MessageTypePing:
		c.client.Send(&Message{Type: MessageTypePong})
	default:
		h.sendError(c, "", fmt.Errorf("unknown message type %q", msg.Type))
	}
}

func (h *Handler) handleJoin(ctx context.Context, c *connection, id string) {
	previous := c.client.Session()
	c.client.setSession(id)

	if err := h.broker.Join(ctx, c.client, id); err != nil {
		c.client.setSession(previous)
		c.logger.Debug().Err(err).Str("session", id).Msg("join failed")
		h.sendError(c, id, err)
		return
	}
	c.client.Send(&Message{Type: MessageTypeJoined, Session: id})
}

func (h *Handler) handleInput(c *connection, id string, data []byte) {
	if len(data) == 0 {
		return
	}
	if !c.limiter.Allow() {
		c.logger.Debug().Int("bytes", len(data)).Msg("input rate exceeded, dropped")
		h.config.Metrics.InputDropped()
		return
	}

	id = h.target(c, id)
	if err := h.broker.Input(c.client, id, data); err != nil {
		h.sendError(c, id, err)
	}
}

func (h *Handler) handleResize(c *connection, msg *Message) {
	id := h.target(c, msg.Session)
	if err := h.broker.Resize(c.client, id, msg.Cols, msg.Rows); err != nil {
		h.sendError(c, id, err)
	}
}

// target resolves an omitted session id to the session the client is in.
func (h *Handler) target(c *connection, id string) string {
	if id != "" {
		return id
	}
	joined, _ := h.broker.Joined(c.client)
	return joined
}

func (h *Handler) sendError(c *connection, id string, err error) {
	if errors.Is(err, ErrClientClosed) {
		return
	}
	c.client.Send(&Message{Type: MessageTypeError, Session: id, Error: err.Error()})
}

// readPump pumps messages from the WebSocket connection to the broker
// until the connection fails, then disconnects the client.
func (h *Handler) readPump(ctx context.Context, c *connection) {
	conn := c.client.conn
	defer func() {
		h.broker.Disconnect(c.client)
		c.client.Close()
		conn.Close()
		c.logger.Info().Msg("client disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if messageType == websocket.BinaryMessage {
			h.handleInput(c, "", data)
			continue
		}

		msg, err := decode(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("failed to decode message")
			h.sendError(c, "", fmt.Errorf("invalid message: %w", err))
			continue
		}
		h.handleMessage(ctx, c, msg)
	}
}

// writePump pumps queued frames to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	conn := client.conn
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case f, ok := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The client was closed
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(f.messageType, f.data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
