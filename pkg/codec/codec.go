// Package codec implements the length-prefixed JSON envelope spoken by devices:
// a big-endian uint32 length followed by that many bytes of UTF-8 JSON.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the length of the frame length prefix.
	HeaderSize = 4

	// MaxFrameSize is the largest accepted payload (10 MiB).
	MaxFrameSize = 10 * 1024 * 1024
)

var (
	// ErrFrameTooLarge is returned when encoding a payload above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrInvalidFrameLength is returned when a received length prefix is outside (0, MaxFrameSize].
	ErrInvalidFrameLength = errors.New("invalid frame length")

	// ErrInvalidPayload is returned when a frame body is not a JSON object.
	ErrInvalidPayload = errors.New("frame payload is not a JSON object")

	// ErrConnectionClosed is returned when the peer closed the stream, including mid-frame.
	ErrConnectionClosed = errors.New("connection closed by peer")

	// ErrTimeout is returned when no frame started before the receive deadline.
	ErrTimeout = errors.New("receive timeout")

	// ErrFrameInterrupted is returned when a read or write failed part way through
	// a frame. The stream is no longer aligned on frame boundaries.
	ErrFrameInterrupted = errors.New("frame interrupted")
)

// IsProtocolError reports whether err means the byte stream can no longer be trusted.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrInvalidFrameLength) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrFrameInterrupted)
}

// Encode serializes payload into a complete frame.
func Encode(payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if len(body) == 0 || len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame, nil
}

// Decode parses one complete frame. A truncated frame yields ErrConnectionClosed.
func Decode(frame []byte) (map[string]any, error) {
	payload, _, err := ReadFrame(bytes.NewReader(frame))
	return payload, err
}

// WriteFrame encodes payload and writes it to w, returning the bytes written.
func WriteFrame(w io.Writer, payload any) (int, error) {
	frame, err := Encode(payload)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(frame)
	if err != nil {
		return n, fmt.Errorf("failed to write frame: %w", err)
	}
	return n, nil
}

// ReadFrame reads exactly one frame from r and returns the decoded object together
// with the number of bytes consumed.
func ReadFrame(r io.Reader) (map[string]any, int, error) {
	var header [HeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		return nil, n, closedOr(err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > MaxFrameSize {
		return nil, n, fmt.Errorf("%w: %d", ErrInvalidFrameLength, length)
	}

	body := make([]byte, length)
	m, err := io.ReadFull(r, body)
	n += m
	if err != nil {
		return nil, n, closedOr(err)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, n, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload == nil {
		return nil, n, ErrInvalidPayload
	}
	return payload, n, nil
}

func closedOr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("failed to read frame: %w", err)
}
