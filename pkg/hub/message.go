// Package hub fans published detection sets and engine events out to
// websocket clients using a channel-based register/broadcast loop.
package hub

import (
	"encoding/json"
	"time"
)

// MessageType indicates the websocket frame type.
type MessageType int

const (
	// JSONMessage is sent as a text frame.
	JSONMessage MessageType = iota
	// BinaryMessage is sent as a binary frame.
	BinaryMessage
)

// Message is one frame queued for every client.
type Message struct {
	Type MessageType
	Data []byte
}

// NewJSONMessage creates a JSON message from pre-encoded bytes.
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage creates a binary message.
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}

// Event kinds carried in an Envelope.
const (
	KindDetections         = "detections"
	KindStereoAvailability = "stereo_availability"
	KindNotice             = "notice"
	KindStatus             = "status"
)

// Envelope wraps every JSON payload with its kind so one stream can carry
// several event types.
type Envelope struct {
	Kind string          `json:"kind"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope encodes v under kind.
func NewEnvelope(kind string, at time.Time, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Time: at, Data: data}, nil
}
