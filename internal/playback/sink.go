package playback

import (
	"context"
	"sync"
	"time"
)

// Sink is an audio output that accepts raw PCM-16 frames.
// Write may block until the device has accepted the data.
type Sink interface {
	Start() error
	Write(frame []byte) error
	Stop() error
	Close() error
}

// AvailabilityReporter is implemented by sinks that can report how many
// frames can be written without blocking.
type AvailabilityReporter interface {
	AvailableToWrite() (int, error)
}

// DiscardSink drops audio while pacing writes to real time, for hosts without
// an audio device.
type DiscardSink struct {
	sampleRate int
	channels   int

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	written uint64
}

// NewDiscardSink creates a pacing sink for the given format.
func NewDiscardSink(sampleRate, channels int) *DiscardSink {
	if channels < 1 {
		channels = 1
	}
	return &DiscardSink{sampleRate: sampleRate, channels: channels}
}

func (s *DiscardSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.running = true
	}
	return nil
}

// Write sleeps for the playback duration of frame.
func (s *DiscardSink) Write(frame []byte) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSinkStopped
	}
	ctx := s.ctx
	s.written += uint64(len(frame))
	s.mu.Unlock()

	if s.sampleRate <= 0 {
		return nil
	}

	frames := len(frame) / (2 * s.channels)
	d := time.Duration(frames) * time.Second / time.Duration(s.sampleRate)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil
}

func (s *DiscardSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.cancel()
		s.running = false
	}
	return nil
}

func (s *DiscardSink) Close() error {
	return s.Stop()
}

// BytesWritten returns the number of bytes accepted so far.
func (s *DiscardSink) BytesWritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}
