package protocol

import "errors"

var (
	// ErrNoHandshake means the peer closed before sending any handshake byte.
	ErrNoHandshake = errors.New("connection closed before handshake")
	// ErrIncompleteHandshake means the peer closed in the middle of the handshake.
	ErrIncompleteHandshake = errors.New("incomplete handshake")
	ErrEmptyUsername       = errors.New("empty username")
	ErrUsernameTooLong     = errors.New("username too long")
	ErrInvalidUsername     = errors.New("username is not valid UTF-8")

	ErrOddFrame = errors.New("odd-length PCM frame")

	ErrIncompleteSnapshot = errors.New("incomplete snapshot")
	ErrSnapshotTooLarge   = errors.New("snapshot too large")
)
