// Package snapshot keeps the most recent successfully decoded screen snapshot.
// Payloads that fail to decode are counted and discarded so the previous good
// image stays current.
package snapshot
