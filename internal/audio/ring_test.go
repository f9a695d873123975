package audio

import (
	"sync"
	"testing"
)

func sequence(from, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(from + i)
	}
	return out
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestSampleRingAppend(t *testing.T) {
	r := NewSampleRing(10)

	r.Append(sequence(0, 4)...)
	equalSamples(t, r.Snapshot(), sequence(0, 4))

	if r.Len() != 4 {
		t.Errorf("Expected length 4, got %d", r.Len())
	}
}

func TestSampleRingEvictsOldest(t *testing.T) {
	r := NewSampleRing(10)

	r.Append(sequence(0, 6)...)
	r.Append(sequence(6, 7)...)

	equalSamples(t, r.Snapshot(), sequence(3, 10))
	if r.Total() != 13 {
		t.Errorf("Expected total 13, got %d", r.Total())
	}
}

func TestSampleRingOversizedAppend(t *testing.T) {
	r := NewSampleRing(5)
	r.Append(1, 2)
	r.Append(sequence(100, 12)...)

	equalSamples(t, r.Snapshot(), sequence(107, 5))
}

func TestSampleRingWrapsRepeatedly(t *testing.T) {
	r := NewSampleRing(DefaultRingCapacity)

	next := 0
	for i := 0; i < 5; i++ {
		r.Append(sequence(next, 2048)...)
		next += 2048
	}

	equalSamples(t, r.Snapshot(), sequence(next-DefaultRingCapacity, DefaultRingCapacity))
}

func TestSampleRingSnapshotIsCopy(t *testing.T) {
	r := NewSampleRing(4)
	r.Append(1, 2, 3)

	snap := r.Snapshot()
	snap[0] = 99

	if r.Snapshot()[0] != 1 {
		t.Error("Snapshot shares storage with the ring")
	}
}

func TestSampleRingConcurrentAccess(t *testing.T) {
	r := NewSampleRing(DefaultRingCapacity)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r.Append(sequence(i, 64)...)
			}
		}()
	}
	for rd := 0; rd < 2; rd++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if n := len(r.Snapshot()); n > DefaultRingCapacity {
					t.Errorf("Snapshot of %d samples exceeds capacity", n)
					return
				}
			}
		}()
	}
	wg.Wait()

	if r.Len() != DefaultRingCapacity {
		t.Errorf("Expected full ring, got %d", r.Len())
	}
	if r.Total() != 4*200*64 {
		t.Errorf("Expected total %d, got %d", 4*200*64, r.Total())
	}
}
