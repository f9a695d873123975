package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Protocol constants
const (
	// LengthPrefixSize is the size of the big-endian uint32 that precedes the
	// handshake username and every snapshot payload.
	LengthPrefixSize = 4

	// DefaultMaxUsernameLength bounds the handshake allocation.
	DefaultMaxUsernameLength = 1024

	// DefaultMaxSnapshotSize bounds a single snapshot payload (16 MiB).
	DefaultMaxSnapshotSize = 16 << 20

	// BytesPerSample for signed 16-bit PCM.
	BytesPerSample = 2
)

// Direction identifies one of the monitored audio paths.
type Direction uint8

const (
	Uplink Direction = iota + 1
	Downlink
)

// Directions returns every known direction in port order.
func Directions() []Direction {
	return []Direction{Uplink, Downlink}
}

func (d Direction) String() string {
	switch d {
	case Uplink:
		return "uplink"
	case Downlink:
		return "downlink"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(d))
	}
}

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == Uplink || d == Downlink
}

// ParseDirection parses a direction name. The single-letter forms "u" and "d"
// are accepted as well.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uplink", "up", "u":
		return Uplink, nil
	case "downlink", "down", "d":
		return Downlink, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid direction %d", uint8(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ReadHandshake reads the username handshake from r.
// Layout: [Length:4 big-endian][Username:Length UTF-8]
func ReadHandshake(r io.Reader, maxLen uint32) (string, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return "", ErrNoHandshake
		case errors.Is(err, io.ErrUnexpectedEOF):
			return "", fmt.Errorf("%w: length prefix truncated", ErrIncompleteHandshake)
		default:
			return "", fmt.Errorf("failed to read handshake length: %w", err)
		}
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return "", ErrEmptyUsername
	}
	if maxLen > 0 && length > maxLen {
		return "", fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrUsernameTooLong, length, maxLen)
	}

	name := make([]byte, length)
	if n, err := io.ReadFull(r, name); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return "", fmt.Errorf("%w: got %d of %d username bytes", ErrIncompleteHandshake, n, length)
		}
		return "", fmt.Errorf("failed to read username: %w", err)
	}

	if !utf8.Valid(name) {
		return "", ErrInvalidUsername
	}

	return string(name), nil
}

// EncodeHandshake builds the handshake bytes for username.
func EncodeHandshake(username string) []byte {
	return appendLengthPrefixed(nil, []byte(username))
}

// ReadSnapshot reads one length-prefixed snapshot payload.
// Layout: [Size:4 big-endian][Payload:Size]
// A clean close before the size prefix returns io.EOF.
func ReadSnapshot(r io.Reader, maxSize uint32) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: size prefix truncated", ErrIncompleteSnapshot)
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrSnapshotTooLarge, size, maxSize)
	}

	payload := make([]byte, size)
	if n, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: got %d of %d bytes", ErrIncompleteSnapshot, n, size)
		}
		return nil, fmt.Errorf("failed to read snapshot payload: %w", err)
	}

	return payload, nil
}

// EncodeSnapshot builds a snapshot frame for payload.
func EncodeSnapshot(payload []byte) []byte {
	return appendLengthPrefixed(nil, payload)
}

func appendLengthPrefixed(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// DecodeSamples interprets frame as little-endian signed 16-bit PCM.
func DecodeSamples(frame []byte) ([]int16, error) {
	if len(frame)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddFrame, len(frame))
	}

	samples := make([]int16, len(frame)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
	}
	return samples, nil
}

// EncodeSamples is the inverse of DecodeSamples.
func EncodeSamples(samples []int16) []byte {
	frame := make([]byte, 0, len(samples)*BytesPerSample)
	for _, s := range samples {
		frame = binary.LittleEndian.AppendUint16(frame, uint16(s))
	}
	return frame
}
