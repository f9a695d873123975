// Package session holds the process-wide session state shared by ingestion,
// playback and the control surface: the most recently announced username and
// the direction currently routed to the audio output.
package session
