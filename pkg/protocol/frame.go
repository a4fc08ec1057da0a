package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the maximum accepted size of one inbound frame (64 KB)
	MaxFrameSize = 64 * 1024
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size (64 KB)")
	ErrInvalidFrame  = errors.New("invalid frame")
	ErrMissingType   = errors.New("frame has no type")
	ErrEmptyPayload  = errors.New("frame payload is empty")
	ErrUnknownType   = errors.New("unknown frame type")
)

// FrameType identifies the kind of event carried by a frame
type FrameType string

// Frame is one JSON-encoded event exchanged over the WebSocket.
// Wire format: {"type": "...", "payload": {...}, "token": "..."}
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Token   string          `json:"token,omitempty"`
}

// DecodeFrame parses a single inbound frame.
// The payload is kept raw; handlers decode it with DecodePayload once the
// frame type is known.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidFrame)
	}

	var frame Frame
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if frame.Type == "" {
		return nil, ErrMissingType
	}

	return &frame, nil
}

// EncodeFrame serializes a frame for the wire
func EncodeFrame(frame *Frame) ([]byte, error) {
	if frame == nil || frame.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(frame)
}

// DecodePayload unmarshals the frame payload into v and validates it when v
// implements Validator.
func (f *Frame) DecodePayload(v any) error {
	raw := bytes.TrimSpace(f.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if val, ok := v.(Validator); ok {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
	}
	return nil
}

// NewFrame builds an outbound frame with the payload marshaled to JSON.
func NewFrame(frameType FrameType, payload any) (*Frame, error) {
	frame := &Frame{Type: frameType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", frameType, err)
		}
		frame.Payload = raw
	}
	return frame, nil
}

// Build constructs and encodes an outbound frame in one step.
// Broadcasts call this once and write the same bytes to every recipient.
func Build(frameType FrameType, payload any) ([]byte, error) {
	frame, err := NewFrame(frameType, payload)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(frame)
}
