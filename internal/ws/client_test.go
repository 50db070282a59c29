package ws

import (
	"encoding/json"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/fakeos/termbroker/internal/session"
)

func drain(c *Client) []frame {
	var frames []frame
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return frames
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestClient_DeliverQueuesBinaryFrames(t *testing.T) {
	c := NewClient(nil, 4)
	if c.ID() == "" {
		t.Fatal("client id is empty")
	}

	if err := c.Deliver([]byte("\x1b[31mred\x1b[0m")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	frames := drain(c)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].messageType != websocket.BinaryMessage {
		t.Errorf("expected binary frame, got %d", frames[0].messageType)
	}
	if string(frames[0].data) != "\x1b[31mred\x1b[0m" {
		t.Errorf("escape sequences altered: %q", frames[0].data)
	}
}

func TestClient_FullQueueClosesClient(t *testing.T) {
	c := NewClient(nil, 2)

	for i := 0; i < 2; i++ {
		if err := c.Deliver([]byte("x")); err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
	}
	if err := c.Deliver([]byte("x")); err != session.ErrBackpressure {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
	if !c.IsClosed() {
		t.Fatal("client should be closed after overflowing")
	}
	if err := c.Deliver([]byte("x")); err != ErrClientClosed {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}

	// The frames queued before the overflow are still drained, then the
	// closed channel ends the write pump.
	if n := len(drain(c)); n != 2 {
		t.Errorf("expected 2 queued frames, got %d", n)
	}
	_, ok := <-c.send
	if ok {
		t.Error("send queue should be closed")
	}
}

func TestClient_NotifyExitNamesSession(t *testing.T) {
	c := NewClient(nil, 4)
	c.setSession("s1")

	if err := c.NotifyExit("session ended (exit code 0)"); err != nil {
		t.Fatalf("NotifyExit: %v", err)
	}
	frames := drain(c)
	if len(frames) != 1 || frames[0].messageType != websocket.TextMessage {
		t.Fatalf("expected one text frame, got %+v", frames)
	}

	var msg Message
	if err := json.Unmarshal(frames[0].data, &msg); err != nil {
		t.Fatalf("exit frame is not JSON: %v", err)
	}
	if msg.Type != MessageTypeExit || msg.Session != "s1" || msg.Message != "session ended (exit code 0)" {
		t.Errorf("unexpected exit message: %+v", msg)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c := NewClient(nil, 0)
	if cap(c.send) != DefaultQueueSize {
		t.Errorf("expected default queue size %d, got %d", DefaultQueueSize, cap(c.send))
	}
	c.Close()
	c.Close()
	if err := c.Send(&Message{Type: MessageTypePong}); err != ErrClientClosed {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
}

// Frames leave the queue in the order they were delivered, whatever mix of
// output and control messages was queued.
func TestClient_FrameOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("queued frames keep delivery order", prop.ForAll(
		func(chunks []string) bool {
			c := NewClient(nil, len(chunks)+1)
			for i, chunk := range chunks {
				var err error
				if i%3 == 2 {
					err = c.Send(&Message{Type: MessageTypeServerMessage, Message: chunk})
				} else {
					err = c.Deliver([]byte(chunk))
				}
				if err != nil {
					return false
				}
			}

			frames := drain(c)
			if len(frames) != len(chunks) {
				return false
			}
			for i, f := range frames {
				if i%3 == 2 {
					msg, err := decode(f.data)
					if err != nil || f.messageType != websocket.TextMessage || msg.Message != chunks[i] {
						return false
					}
					continue
				}
				if f.messageType != websocket.BinaryMessage || string(f.data) != chunks[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
