// Package portaudio provides a playback.Sink on the default PortAudio output device.
package portaudio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Sink writes mono or multi-channel PCM-16 frames to the default output
// device using a blocking PortAudio stream.
type Sink struct {
	sampleRate int
	channels   int

	mu     sync.RWMutex
	stream *portaudio.Stream
	buf    []int16
	open   bool
}

// Open initializes PortAudio and opens the default output stream. The stream
// is not started until Start is called.
func Open(sampleRate, channels, framesPerBuffer int) (*Sink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	if channels < 1 {
		channels = 1
	}
	s := &Sink{
		sampleRate: sampleRate,
		channels:   channels,
	}

	if framesPerBuffer <= 0 {
		framesPerBuffer = portaudio.FramesPerBufferUnspecified
	}

	// The stream reads through a pointer so each Write may carry a frame of a
	// different length.
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), framesPerBuffer, &s.buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open default output stream: %w", err)
	}

	s.stream = stream
	s.open = true
	return s, nil
}

// Start begins playback on the stream.
func (s *Sink) Start() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return fmt.Errorf("portaudio sink is closed")
	}
	return s.stream.Start()
}

// Write blocks until the device has accepted frame. A trailing odd byte is
// ignored.
func (s *Sink) Write(frame []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return fmt.Errorf("portaudio sink is closed")
	}

	n := len(frame) / 2
	n -= n % s.channels
	if n == 0 {
		return nil
	}

	if cap(s.buf) < n {
		s.buf = make([]int16, n)
	}
	s.buf = s.buf[:n]
	for i := range s.buf {
		s.buf[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
	}

	return s.stream.Write()
}

// AvailableToWrite reports how many frames can be written without blocking.
func (s *Sink) AvailableToWrite() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return 0, fmt.Errorf("portaudio sink is closed")
	}
	return s.stream.AvailableToWrite()
}

// Stop stops playback, letting queued device buffers drain.
func (s *Sink) Stop() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return nil
	}
	return s.stream.Stop()
}

// Close closes the stream and terminates PortAudio.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false

	closeErr := s.stream.Close()
	termErr := portaudio.Terminate()
	if closeErr != nil {
		return fmt.Errorf("failed to close output stream: %w", closeErr)
	}
	if termErr != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", termErr)
	}
	return nil
}
