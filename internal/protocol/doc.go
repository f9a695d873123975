// Package protocol implements the relay's TCP wire formats.
// It handles the length-prefixed username handshake that opens every audio
// connection, the length-prefixed snapshot frames, and PCM-16 sample decoding.
package protocol
