package audio

import "sync"

// DefaultRingCapacity is the number of samples kept for waveform display.
const DefaultRingCapacity = 2000

// SampleRing keeps the most recent samples of one direction for diagnostics.
// Oldest samples are evicted first. It is safe for concurrent writers and
// readers; no lock is held outside Append and Snapshot.
type SampleRing struct {
	mu    sync.RWMutex
	buf   []int16
	start int    // index of the oldest sample
	size  int    // number of valid samples
	total uint64 // samples ever appended
}

// NewSampleRing creates a ring holding at most capacity samples.
func NewSampleRing(capacity int) *SampleRing {
	if capacity < 1 {
		capacity = DefaultRingCapacity
	}
	return &SampleRing{buf: make([]int16, capacity)}
}

// Append adds samples in order, evicting the oldest when full.
func (r *SampleRing) Append(samples ...int16) {
	if len(samples) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.total += uint64(len(samples))

	capacity := len(r.buf)
	if len(samples) >= capacity {
		// Only the tail survives.
		copy(r.buf, samples[len(samples)-capacity:])
		r.start = 0
		r.size = capacity
		return
	}

	end := (r.start + r.size) % capacity
	for _, s := range samples {
		r.buf[end] = s
		end = (end + 1) % capacity
		if r.size < capacity {
			r.size++
		} else {
			r.start = (r.start + 1) % capacity
		}
	}
}

// Snapshot returns a copy of the buffered samples, oldest first.
func (r *SampleRing) Snapshot() []int16 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int16, r.size)
	n := copy(out, r.buf[r.start:min(r.start+r.size, len(r.buf))])
	copy(out[n:], r.buf[:r.size-n])
	return out
}

// Len returns the number of buffered samples.
func (r *SampleRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *SampleRing) Cap() int {
	return len(r.buf)
}

// Total returns the number of samples appended since creation.
func (r *SampleRing) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}
