// Package server implements the relay's TCP listeners and HTTP control surface.
// It accepts producer connections per direction, runs the username handshake,
// fans incoming PCM out to the distribution queue and diagnostic ring, receives
// image snapshots, and exposes monitoring and source-selection endpoints.
package server
