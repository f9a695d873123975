// Package audio holds the relay's in-memory audio structures.
// It implements the bounded drop-on-full distribution queue that feeds playback,
// the fixed-capacity diagnostic sample ring, and WAV rendering of ring snapshots.
package audio
