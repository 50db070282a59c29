package ws

import "encoding/json"

// MessageType represents the type of a control message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeJoin   MessageType = "join"
	MessageTypeLeave  MessageType = "leave"
	MessageTypeInput  MessageType = "input"
	MessageTypeResize MessageType = "resize"
	MessageTypePing   MessageType = "ping"

	// Server -> Client message types
	MessageTypeServerMessage MessageType = "server_message"
	MessageTypeJoined        MessageType = "joined"
	MessageTypeExit          MessageType = "exit"
	MessageTypeError         MessageType = "error"
	MessageTypePong          MessageType = "pong"
)

// Message is a control message carried in a text frame.
type Message struct {
	Type    MessageType `json:"type"`
	Session string      `json:"session,omitempty"`
	Data    string      `json:"data,omitempty"`
	Cols    uint16      `json:"cols,omitempty"`
	Rows    uint16      `json:"rows,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
