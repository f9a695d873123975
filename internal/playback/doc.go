// Package playback drives the single audio output of the relay.
// The Driver repeatedly takes one frame from the queue of the currently active
// source and writes it to a Sink; the blocking sink write paces playback.
package playback
