package ws

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/fakeos/termbroker/internal/broker"
	"github.com/fakeos/termbroker/internal/pty"
	"github.com/fakeos/termbroker/internal/pty/ptytest"
	"github.com/fakeos/termbroker/internal/session"
)

const waitFor = 2 * time.Second

type testEnv struct {
	server  *httptest.Server
	broker  *broker.Broker
	spawner *ptytest.Spawner
}

func newTestEnv(t *testing.T, config Config) *testEnv {
	t.Helper()
	sp := ptytest.NewSpawner()
	logger := zerolog.Nop()
	template := session.Options{Logger: logger, RespawnBackoff: 10 * time.Millisecond}
	registry := session.NewRegistry(sp, session.RegistryConfig{Session: template})
	b := broker.New(registry, sp, broker.Config{
		Spawn:      pty.SpawnOptions{Command: "/bin/sh"},
		Standalone: template,
		Logger:     logger,
	})

	config.Logger = logger
	h := NewHandler(b, config)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeShared)
	mux.HandleFunc("/ws/standalone", h.ServeStandalone)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		b.Close(ctx)
		srv.Close()
	})
	return &testEnv{server: srv, broker: b, spawner: sp}
}

func (e *testEnv) nextProcess(t *testing.T) *ptytest.Process {
	t.Helper()
	select {
	case p := <-e.spawner.Spawned():
		return p
	case <-time.After(waitFor):
		t.Fatal("no process spawned")
		return nil
	}
}

// testConn is a client side connection that keeps binary output and
// control messages apart.
type testConn struct {
	t       *testing.T
	conn    *websocket.Conn
	output  bytes.Buffer
	pending []*Message
}

func (e *testEnv) dial(t *testing.T, path string) *testConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) read() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(waitFor))
	messageType, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)

	if messageType == websocket.BinaryMessage {
		c.output.Write(data)
		return
	}
	msg, err := decode(data)
	require.NoError(c.t, err)
	c.pending = append(c.pending, msg)
}

// expect returns the next control message of type typ, skipping earlier
// messages of other types.
func (c *testConn) expect(typ MessageType) *Message {
	c.t.Helper()
	for {
		for i, msg := range c.pending {
			if msg.Type == typ {
				c.pending = c.pending[i+1:]
				return msg
			}
		}
		c.read()
	}
}

func (c *testConn) waitOutput(want string) {
	c.t.Helper()
	for !strings.Contains(c.output.String(), want) {
		c.read()
	}
}

func (c *testConn) send(msg Message) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func (c *testConn) sendBinary(data string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, []byte(data)))
}

func TestHandler_WelcomeAndJoin(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(t, "/ws")

	welcome := c.expect(MessageTypeServerMessage)
	assert.Equal(t, DefaultWelcome, welcome.Message)

	c.send(Message{Type: MessageTypeJoin, Session: "s1"})
	joined := c.expect(MessageTypeJoined)
	assert.Equal(t, "s1", joined.Session)

	proc := env.nextProcess(t)
	proc.Emit("hello\r\n")
	c.waitOutput("hello\r\n")
}

func TestHandler_LateJoinerReplaysHistory(t *testing.T) {
	env := newTestEnv(t, Config{Welcome: "hi"})

	first := env.dial(t, "/ws")
	assert.Equal(t, "hi", first.expect(MessageTypeServerMessage).Message)
	first.send(Message{Type: MessageTypeJoin, Session: "shared"})
	first.expect(MessageTypeJoined)

	proc := env.nextProcess(t)
	proc.Emit("$ ls\r\n")
	first.waitOutput("$ ls\r\n")

	second := env.dial(t, "/ws")
	second.send(Message{Type: MessageTypeJoin, Session: "shared"})
	second.expect(MessageTypeJoined)
	second.waitOutput("$ ls\r\n")

	proc.Emit("file\r\n")
	first.waitOutput("$ ls\r\nfile\r\n")
	second.waitOutput("$ ls\r\nfile\r\n")
	assert.Equal(t, 1, env.spawner.Count())
}

func TestHandler_Input(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(t, "/ws")
	c.send(Message{Type: MessageTypeJoin, Session: "s1"})
	c.expect(MessageTypeJoined)
	proc := env.nextProcess(t)

	c.sendBinary("ls\r")
	c.send(Message{Type: MessageTypeInput, Session: "s1", Data: "pwd\r"})
	c.send(Message{Type: MessageTypeInput, Data: "id\r"})

	require.Eventually(t, func() bool {
		return string(proc.Input()) == "ls\rpwd\rid\r"
	}, waitFor, 5*time.Millisecond)
}

func TestHandler_Resize(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(t, "/ws")
	c.send(Message{Type: MessageTypeJoin, Session: "s1"})
	c.expect(MessageTypeJoined)
	proc := env.nextProcess(t)

	c.send(Message{Type: MessageTypeResize, Session: "s1", Cols: 120, Rows: 40})
	require.Eventually(t, func() bool {
		cols, rows := proc.Size()
		return cols == 120 && rows == 40
	}, waitFor, 5*time.Millisecond)
}

func TestHandler_Ping(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(t, "/ws")

	c.send(Message{Type: MessageTypePing})
	c.expect(MessageTypePong)
}

func TestHandler_Errors(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(t, "/ws")

	c.sendBinary("ls\r")
	assert.Contains(t, c.expect(MessageTypeError).Error, broker.ErrNotJoined.Error())

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Contains(t, c.expect(MessageTypeError).Error, "invalid message")

	c.send(Message{Type: "shout"})
	assert.Contains(t, c.expect(MessageTypeError).Error, "unknown message type")

	c.send(Message{Type: MessageTypeJoin})
	assert.NotEmpty(t, c.expect(MessageTypeError).Error)

	c.send(Message{Type: MessageTypeLeave})
	assert.Contains(t, c.expect(MessageTypeError).Error, broker.ErrNotJoined.Error())

	c.send(Message{Type: MessageTypeJoin, Session: "a"})
	c.expect(MessageTypeJoined)
	c.send(Message{Type: MessageTypeJoin, Session: "b"})
	failed := c.expect(MessageTypeError)
	assert.Equal(t, "b", failed.Session)
	assert.Contains(t, failed.Error, broker.ErrAlreadyJoined.Error())

	// The connection is still usable after errors.
	c.send(Message{Type: MessageTypePing})
	c.expect(MessageTypePong)
}

func TestHandler_ExitNotification(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(t, "/ws")
	c.send(Message{Type: MessageTypeJoin, Session: "s1"})
	c.expect(MessageTypeJoined)
	proc := env.nextProcess(t)

	proc.Exit(1)
	exit := c.expect(MessageTypeExit)
	assert.Equal(t, "s1", exit.Session)
	assert.Equal(t, "session ended (exit code 1)", exit.Message)

	// The connection survives the session and can start a new one.
	c.send(Message{Type: MessageTypeJoin, Session: "s1"})
	c.expect(MessageTypeJoined)
	env.nextProcess(t)
	assert.Equal(t, 2, env.spawner.Count())
}

func TestHandler_DisconnectDetaches(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(t, "/ws")
	c.send(Message{Type: MessageTypeJoin, Session: "s1"})
	c.expect(MessageTypeJoined)
	proc := env.nextProcess(t)

	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool {
		info, err := env.broker.Session("s1")
		return err == nil && info.Subscribers == 0
	}, waitFor, 5*time.Millisecond)
	assert.False(t, proc.Exited(), "shared sessions outlive their viewers")
}

func TestHandler_Standalone(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(t, "/ws/standalone")

	c.expect(MessageTypeServerMessage)
	joined := c.expect(MessageTypeJoined)
	assert.True(t, strings.HasPrefix(joined.Session, "standalone-"))
	proc := env.nextProcess(t)

	c.sendBinary("echo hi\r")
	require.Eventually(t, func() bool { return string(proc.Input()) == "echo hi\r" }, waitFor, 5*time.Millisecond)

	c.send(Message{Type: MessageTypeJoin, Session: "other"})
	assert.Contains(t, c.expect(MessageTypeError).Error, broker.ErrAlreadyJoined.Error())

	proc.Exit(0)
	c.waitOutput(session.RespawnNotice)
	env.nextProcess(t)

	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool { return len(env.broker.Sessions()) == 0 }, waitFor, 5*time.Millisecond)
}

func TestHandler_InputRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{InputRate: rate.Limit(0.001), InputBurst: 2})
	c := env.dial(t, "/ws")
	c.send(Message{Type: MessageTypeJoin, Session: "s1"})
	c.expect(MessageTypeJoined)
	proc := env.nextProcess(t)

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		c.sendBinary(key)
	}
	// Messages are handled in order, so the pong comes after every input
	// was either forwarded or dropped.
	c.send(Message{Type: MessageTypePing})
	c.expect(MessageTypePong)

	require.Eventually(t, func() bool { return string(proc.Input()) == "ab" }, waitFor, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "ab", string(proc.Input()))
}
