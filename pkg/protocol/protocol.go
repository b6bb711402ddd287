// Package protocol defines the event framing used on the WebSocket transport.
//
// Every frame, in either direction, is a JSON object {"event": name, "data": payload}.
// Payload shapes live in package pb.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize is the maximum inbound frame size (64KB).
const MaxFrameSize = 65536

var ErrEmptyEvent = errors.New("protocol: frame has no event name")

// Envelope is a single framed event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode frames an event with its payload. A nil payload encodes no data field.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s: %w", event, err)
		}
		env.Data = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return frame, nil
}

// Decode parses an inbound frame.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("protocol: frame too large: %d bytes", len(frame))
	}
	env := &Envelope{}
	if err := json.Unmarshal(frame, env); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	if env.Event == "" {
		return nil, ErrEmptyEvent
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v. A missing or null payload
// leaves v untouched.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 || bytes.Equal(bytes.TrimSpace(e.Data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: %s payload: %w", e.Event, err)
	}
	return nil
}
