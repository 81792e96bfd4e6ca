package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the length of the little-endian uint32 length prefix.
	HeaderSize = 4
	// MaxMessageSize bounds a single frame payload (16 MiB).
	MaxMessageSize = 16 * 1024 * 1024
)

const (
	// CodeProtocolError marks framing violations (bad header, oversized frame).
	CodeProtocolError = "PROTOCOL_ERROR"
	// CodeInvalidPayload marks a well-framed payload that is not a JSON envelope.
	CodeInvalidPayload = "INVALID_PAYLOAD"
)

var (
	// ErrMessageTooLarge is returned when a frame length exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("protocol: message exceeds maximum size")
	// ErrInvalidHeader is returned when a length prefix is not exactly HeaderSize bytes.
	ErrInvalidHeader = errors.New("protocol: invalid frame header")
	// ErrInvalidPayload is returned when frame content is not a JSON envelope.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// ErrorCode maps codec errors to their wire-level error code. It returns ""
// for errors that did not originate in the codec.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrInvalidHeader):
		return CodeProtocolError
	case errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload
	default:
		return ""
	}
}

// Encode renders msg as one frame: length prefix followed by compact JSON.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(payload), MaxMessageSize)
	}

	frame := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[:HeaderSize], uint32(len(payload))) // #nosec G115 -- bounded by MaxMessageSize
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// DecodeHeader returns the payload length declared by a frame header.
func DecodeHeader(header []byte) (int, error) {
	if len(header) != HeaderSize {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidHeader, len(header), HeaderSize)
	}
	length := binary.LittleEndian.Uint32(header)
	if length > MaxMessageSize {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, length, MaxMessageSize)
	}
	return int(length), nil
}

// DecodePayload parses frame content into a Message.
func DecodePayload(payload []byte) (Message, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, fmt.Errorf("%w: not a JSON object", ErrInvalidPayload)
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return msg, nil
}

// ReadMessage reads exactly one frame from r. The declared length is checked
// before any payload buffer is allocated. A stream that ends mid-frame yields
// io.ErrUnexpectedEOF; a stream that ends cleanly between frames yields io.EOF.
func ReadMessage(r io.Reader) (Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}
	length, err := DecodeHeader(header[:])
	if err != nil {
		return Message{}, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	return DecodePayload(payload)
}

// WriteMessage encodes msg and writes the frame with a single Write call.
// Callers sharing w across goroutines must serialize calls themselves.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
