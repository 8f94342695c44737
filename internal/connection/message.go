package connection

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope exchanged over the transport.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp *float64        `json:"timestamp,omitempty"` // Unix milliseconds when set by NewMessage callers
}

// wireMessage mirrors Message with pointer fields so missing keys can be told apart.
type wireMessage struct {
	Type      *string         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp *float64        `json:"timestamp"`
}

// NewMessage builds an envelope, marshaling payload as JSON.
func NewMessage(typ string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Message{Type: typ, Payload: data}, nil
}

// WithTimestamp returns a copy of m stamped with t in Unix milliseconds.
func (m Message) WithTimestamp(t time.Time) Message {
	ts := float64(t.UnixMilli())
	m.Timestamp = &ts
	return m
}

// Encode serializes an envelope to compact JSON.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("%w: empty type", ErrMalformedMessage)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// Decode parses an inbound frame. It requires a JSON object with a non-empty
// string "type" and a "payload" key (null allowed); "timestamp" must be
// numeric when present. All failures wrap ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if w.Type == nil {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if *w.Type == "" {
		return Message{}, fmt.Errorf("%w: empty type", ErrMalformedMessage)
	}
	if w.Payload == nil {
		return Message{}, fmt.Errorf("%w: missing payload", ErrMalformedMessage)
	}
	return Message{
		Type:      *w.Type,
		Payload:   w.Payload,
		Timestamp: w.Timestamp,
	}, nil
}

// DecodePayload unmarshals the payload of m into a T.
func DecodePayload[T any](m Message) (T, error) {
	var v T
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return v, nil
}
