package analyzer

import (
	"testing"
	"time"
)

func TestRingPushAndSnapshot(t *testing.T) {
	ring := NewFrameRing(4)
	for i := 0; i < 3; i++ {
		ring.Push(Frame{ID: uint32(i), Timestamp: time.Now()})
	}
	if ring.Len() != 3 {
		t.Errorf("length is %v", ring.Len())
	}
	snap := ring.Snapshot()
	for i, f := range snap {
		if f.ID != uint32(i) {
			t.Errorf("expected id %v at %v, got %v", i, i, f.ID)
		}
	}
}

func TestRingEvictsOldestFirst(t *testing.T) {
	ring := NewFrameRing(4)
	for i := 0; i < 10; i++ {
		ring.Push(Frame{ID: uint32(i)})
	}
	if ring.Len() != 4 {
		t.Errorf("length is %v", ring.Len())
	}
	if ring.Cap() != 4 {
		t.Errorf("capacity changed to %v", ring.Cap())
	}
	if ring.Evicted() != 6 {
		t.Errorf("evicted %v", ring.Evicted())
	}
	snap := ring.Snapshot()
	for i, f := range snap {
		if f.ID != uint32(6+i) {
			t.Errorf("expected id %v at %v, got %v", 6+i, i, f.ID)
		}
	}
}

func TestRingTimestampOrder(t *testing.T) {
	ring := NewFrameRing(100)
	for i := 0; i < 150; i++ {
		ring.Push(Frame{ID: uint32(i), Timestamp: time.Now()})
	}
	snap := ring.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i].Timestamp.Before(snap[i-1].Timestamp) {
			t.Fatalf("timestamps out of order at %v", i)
		}
	}
}
