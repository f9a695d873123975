package snapshot

import (
	"bytes"
	"fmt"
	"image"
	"sync"
	"time"

	// Registered decoders for image.DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Snapshot is one decoded image together with its encoded bytes.
type Snapshot struct {
	Data       []byte
	Format     string
	Width      int
	Height     int
	ReceivedAt time.Time
	Sequence   uint64
}

// ContentType returns the MIME type for the snapshot's format.
func (s Snapshot) ContentType() string {
	switch s.Format {
	case "png":
		return "image/png"
	case "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

// Stats summarizes store activity.
type Stats struct {
	Received       uint64    `json:"received"`
	DecodeFailures uint64    `json:"decode_failures"`
	HasImage       bool      `json:"has_image"`
	Format         string    `json:"format,omitempty"`
	Width          int       `json:"width,omitempty"`
	Height         int       `json:"height,omitempty"`
	LastUpdate     time.Time `json:"last_update,omitempty"`
}

// DefaultMaxPixels bounds the decoded size of a snapshot (4096x4096).
const DefaultMaxPixels = 4096 * 4096

// Store holds the latest good snapshot.
type Store struct {
	maxPixels int64

	mu       sync.RWMutex
	latest   *Snapshot
	received uint64
	failures uint64
}

// NewStore creates an empty store that rejects images larger than maxPixels.
// maxPixels <= 0 selects DefaultMaxPixels.
func NewStore(maxPixels int) *Store {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Store{maxPixels: int64(maxPixels)}
}

// Update decodes payload and, on success, makes it the current snapshot.
// On failure the previous snapshot is kept and the error is returned.
func (s *Store) Update(payload []byte) (Snapshot, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(payload))
	if err == nil {
		// The decoder allocates the declared pixel buffer up front.
		if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > s.maxPixels {
			err = fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, s.maxPixels)
		}
	}
	if err == nil {
		// DecodeConfig only reads the header; make sure the body is intact too.
		_, _, err = image.Decode(bytes.NewReader(payload))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.received++
	if err != nil {
		s.failures++
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	snap := &Snapshot{
		Data:       payload,
		Format:     format,
		Width:      cfg.Width,
		Height:     cfg.Height,
		ReceivedAt: time.Now(),
		Sequence:   s.received,
	}
	s.latest = snap
	return *snap, nil
}

// Latest returns the current snapshot, if any.
func (s *Store) Latest() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil {
		return Snapshot{}, false
	}
	return *s.latest, true
}

// Stats returns store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Received:       s.received,
		DecodeFailures: s.failures,
		HasImage:       s.latest != nil,
	}
	if s.latest != nil {
		stats.Format = s.latest.Format
		stats.Width = s.latest.Width
		stats.Height = s.latest.Height
		stats.LastUpdate = s.latest.ReceivedAt
	}
	return stats
}
