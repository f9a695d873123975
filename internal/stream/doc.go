// Package stream tracks the live producer connections of the relay.
// It assigns each accepted connection a KSUID, records its handshake and
// traffic counters, and provides snapshots for monitoring endpoints.
package stream
