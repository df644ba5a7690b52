// Package hub provides a thread-safe websocket broadcast hub
// using the idiomatic Go channel-based fan-out pattern.
package hub

import "time"

// MessageType indicates the websocket message format
type MessageType int

const (
	// JSONMessage is a JSON-encoded message
	JSONMessage MessageType = iota
	// BinaryMessage is raw binary data (JPEG frames)
	BinaryMessage
)

// Message represents a message to be broadcast to clients
type Message struct {
	Type MessageType
	Data []byte
}

// NewJSONMessage creates a JSON message from pre-encoded bytes
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage creates a binary message
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}

// Event kinds sent to /ws/events subscribers.
const (
	EventDetection = "detection"
	EventStatus    = "status"
	EventCamera    = "camera"
	EventWarning   = "warning"
	EventError     = "error"
)

// Event is the JSON envelope for run notifications.
type Event struct {
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	RunID      string    `json:"run_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	Frame      int       `json:"frame,omitempty"`
	Text       string    `json:"text,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Running    *bool     `json:"running,omitempty"`
	Message    string    `json:"message,omitempty"`
}
