package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidFrame is returned for frames that cannot be decoded.
var ErrInvalidFrame = errors.New("invalid relay frame")

// Frame is one message on the signaling websocket.
type Frame struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame for event. A nil payload produces a frame without data.
func NewFrame(event Event, payload any) (Frame, error) {
	f := Frame{Event: event}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	f.Data = data
	return f, nil
}

// Encode serializes a frame for event with the given payload.
func Encode(event Event, payload any) ([]byte, error) {
	f, err := NewFrame(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode parses a raw websocket message into a Frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event", ErrInvalidFrame)
	}
	return f, nil
}

// Bind unmarshals the frame payload into v. A frame without data leaves v
// untouched.
func (f Frame) Bind(v any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidFrame, f.Event, err)
	}
	return nil
}
