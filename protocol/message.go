// Package protocol implements the length-prefixed JSON framing spoken between
// the gateway and a remote peer over a duplex byte stream.
//
// A frame is a 4-byte little-endian uint32 length followed by exactly that many
// bytes of UTF-8 JSON encoding one Message envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of envelope on the wire.
type MessageType string

const (
	TypeToolCall   MessageType = "tool_call"
	TypeToolResult MessageType = "tool_result"
	TypePing       MessageType = "ping"
	TypePong       MessageType = "pong"
	TypeError      MessageType = "error"
)

// Message is the wire envelope. Payload holds the type-specific JSON object.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ErrorInfo is the nullable error object carried by a tool_result payload.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolCallPayload is the payload of a tool_call envelope.
type ToolCallPayload struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
}

// ToolResultPayload is the payload of a tool_result envelope.
type ToolResultPayload struct {
	CallID     string         `json:"call_id"`
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data"`
	Error      *ErrorInfo     `json:"error"`
	DurationMS int64          `json:"duration_ms"`
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	CallID  string `json:"call_id,omitempty"`
}

// NewMessage builds an envelope with a fresh id and timestamp. A nil payload
// is encoded as an empty object.
func NewMessage(msgType MessageType, payload any) (Message, error) {
	raw := json.RawMessage(`{}`)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("protocol: encode %s payload: %w", msgType, err)
		}
		raw = data
	}
	return Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   raw,
	}, nil
}

// NewToolCall builds a tool_call request.
func NewToolCall(toolName string, args map[string]any) (Message, error) {
	if args == nil {
		args = map[string]any{}
	}
	return NewMessage(TypeToolCall, ToolCallPayload{ToolName: toolName, Args: args})
}

// NewToolResult builds a tool_result answering callID.
func NewToolResult(callID string, success bool, data map[string]any, errInfo *ErrorInfo, durationMS int64) (Message, error) {
	if callID == "" {
		return Message{}, errors.New("protocol: tool_result requires a call id")
	}
	if data == nil {
		data = map[string]any{}
	}
	return NewMessage(TypeToolResult, ToolResultPayload{
		CallID:     callID,
		Success:    success,
		Data:       data,
		Error:      errInfo,
		DurationMS: durationMS,
	})
}

// NewError builds an error envelope. callID may be empty for errors that do not
// answer a specific call.
func NewError(code, message, callID string) (Message, error) {
	return NewMessage(TypeError, ErrorPayload{Code: code, Message: message, CallID: callID})
}

// NewPing builds a keepalive probe.
func NewPing() Message {
	msg, _ := NewMessage(TypePing, nil)
	return msg
}

// NewPong builds a keepalive answer.
func NewPong() Message {
	msg, _ := NewMessage(TypePong, nil)
	return msg
}

// CallID returns the correlation id carried in the payload, or "" when the
// payload has none.
func (m Message) CallID() string {
	if len(m.Payload) == 0 {
		return ""
	}
	var probe struct {
		CallID string `json:"call_id"`
	}
	if err := json.Unmarshal(m.Payload, &probe); err != nil {
		return ""
	}
	return probe.CallID
}

// DecodeToolCall decodes a tool_call payload.
func (m Message) DecodeToolCall() (ToolCallPayload, error) {
	var payload ToolCallPayload
	if err := m.decodePayload(TypeToolCall, &payload); err != nil {
		return ToolCallPayload{}, err
	}
	return payload, nil
}

// DecodeToolResult decodes a tool_result payload.
func (m Message) DecodeToolResult() (ToolResultPayload, error) {
	var payload ToolResultPayload
	if err := m.decodePayload(TypeToolResult, &payload); err != nil {
		return ToolResultPayload{}, err
	}
	return payload, nil
}

// DecodeError decodes an error payload.
func (m Message) DecodeError() (ErrorPayload, error) {
	var payload ErrorPayload
	if err := m.decodePayload(TypeError, &payload); err != nil {
		return ErrorPayload{}, err
	}
	return payload, nil
}

func (m Message) decodePayload(want MessageType, out any) error {
	if m.Type != want {
		return fmt.Errorf("protocol: message type %q, want %q", m.Type, want)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s payload is empty", ErrInvalidPayload, want)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidPayload, want, err)
	}
	return nil
}
