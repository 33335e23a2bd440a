// Package protocol defines the JSON wire format spoken between the bridge
// and its clients: one JSON object per text frame, discriminated by "type".
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates wire messages.
type Type string

const (
	// Client-originated.
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"

	// Server-originated.
	TypeStreamInfo  Type = "stream-info"
	TypeNext        Type = "next"
	TypeError       Type = "error"
	TypeComplete    Type = "complete"
	TypeStreamsList Type = "streams-list"
)

// Known reports whether t is a defined message type.
func (t Type) Known() bool {
	switch t {
	case TypeSubscribe, TypeUnsubscribe, TypeStreamInfo, TypeNext,
		TypeError, TypeComplete, TypeStreamsList:
		return true
	}
	return false
}

// ClientOriginated reports which side of the wire sends t. Exactly
// subscribe and unsubscribe come from clients; every other known type is
// server-originated. The partition is total over Known types.
func (t Type) ClientOriginated() bool {
	return t == TypeSubscribe || t == TypeUnsubscribe
}

// StreamEntry is one catalog row in a streams-list frame.
type StreamEntry struct {
	StreamID    string `json:"streamId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
}

// Message is the wire envelope. Every frame carries type, streamId and
// timestamp, except streams-list which enumerates all streams and carries
// no singular streamId. Value holds pre-marshaled JSON so that zero values
// (0, false, "") survive the omitempty tags.
type Message struct {
	Type        Type            `json:"type"`
	StreamID    string          `json:"streamId,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Error       string          `json:"error,omitempty"`
	Streams     []StreamEntry   `json:"streams,omitzero"` // non-nil exactly in streams-list frames
}

// Now returns the send-time timestamp carried on every frame, in
// milliseconds since the Unix epoch.
func Now() int64 {
	return time.Now().UnixMilli()
}

// NewStreamInfo frames the display metadata sent before any data frame.
func NewStreamInfo(streamID, name, description string) Message {
	return Message{
		Type:        TypeStreamInfo,
		StreamID:    streamID,
		Timestamp:   Now(),
		Name:        name,
		Description: description,
	}
}

// NewNext frames one producer emission. It fails only if the value is not
// JSON-serializable.
func NewNext(streamID string, value any) (Message, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Message{}, fmt.Errorf("marshal next value: %w", err)
	}
	return Message{
		Type:      TypeNext,
		StreamID:  streamID,
		Timestamp: Now(),
		Value:     raw,
	}, nil
}

// NewError frames a terminal producer error.
func NewError(streamID string, err error) Message {
	return Message{
		Type:      TypeError,
		StreamID:  streamID,
		Timestamp: Now(),
		Error:     err.Error(),
	}
}

// NewComplete frames a terminal producer completion.
func NewComplete(streamID string) Message {
	return Message{
		Type:      TypeComplete,
		StreamID:  streamID,
		Timestamp: Now(),
	}
}

// NewStreamsList frames the full stream catalog. An empty catalog is
// still a catalog: the frame always carries a streams array.
func NewStreamsList(streams []StreamEntry) Message {
	if streams == nil {
		streams = []StreamEntry{}
	}
	return Message{
		Type:      TypeStreamsList,
		Timestamp: Now(),
		Streams:   streams,
	}
}

// Encode marshals m into one wire frame.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses one inbound frame. Malformed JSON and unknown types are
// errors; callers drop such frames.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("malformed message: %w", err)
	}
	if !m.Type.Known() {
		return Message{}, fmt.Errorf("unknown message type %q", m.Type)
	}
	return m, nil
}
