package audio

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultQueueCapacity is the number of frames a distribution queue holds.
const DefaultQueueCapacity = 20

// Queue is a bounded FIFO of raw PCM frames for one direction.
// Push never blocks: when the queue is full the incoming frame is dropped and
// the frames already queued are kept. The queue takes ownership of pushed
// slices; callers must not modify a frame after pushing it.
type Queue struct {
	frames chan []byte

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// NewQueue creates a queue holding at most capacity frames.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{frames: make(chan []byte, capacity)}
}

// Push enqueues frame without blocking. It returns false if the queue was full
// and the frame was dropped.
func (q *Queue) Push(frame []byte) bool {
	select {
	case q.frames <- frame:
		q.pushed.Add(1)
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Pop waits up to timeout for a frame. It returns ok == false when the timeout
// elapses or ctx is done before a frame becomes available.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) ([]byte, bool) {
	// Fast path keeps FIFO order without arming a timer.
	select {
	case frame := <-q.frames:
		return frame, true
	default:
	}

	if timeout <= 0 {
		return nil, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-q.frames:
		return frame, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	return len(q.frames)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.frames)
}

// Pushed returns how many frames were accepted.
func (q *Queue) Pushed() uint64 {
	return q.pushed.Load()
}

// Dropped returns how many frames were discarded because the queue was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
