package progress

import (
	"testing"
	"time"

	"github.com/datallboy/godlm/internal/segment"
)

func TestChannelSendDropsWhenFull(t *testing.T) {
	ch := NewChannel()
	for i := 0; i < channelCapacity+5; i++ {
		ch.Send(Update{JobID: 1})
	}
	count := 0
	for {
		select {
		case <-ch.Updates():
			count++
		default:
			if count != channelCapacity {
				t.Fatalf("count = %d, want %d", count, channelCapacity)
			}
			return
		}
	}
}

func TestStatsBytesPerSecAndETA(t *testing.T) {
	s := Stats{BytesDone: 500, TotalBytes: 1000, ElapsedSecs: 5}
	if got := s.BytesPerSec(); got != 100 {
		t.Fatalf("BytesPerSec = %v, want 100", got)
	}
	eta, ok := s.ETASecs()
	if !ok || eta != 5 {
		t.Fatalf("ETASecs = (%v, %v), want (5, true)", eta, ok)
	}
	if f := s.Fraction(); f != 0.5 {
		t.Fatalf("Fraction = %v, want 0.5", f)
	}
}

func TestStatsBytesPerSecAndETACountsInFlight(t *testing.T) {
	s := Stats{BytesDone: 300, BytesInFlight: 200, TotalBytes: 1000, ElapsedSecs: 5}
	if got := s.BytesPerSec(); got != 100 {
		t.Fatalf("BytesPerSec = %v, want 100", got)
	}
	eta, ok := s.ETASecs()
	if !ok || eta != 5 {
		t.Fatalf("ETASecs = (%v, %v), want (5, true)", eta, ok)
	}
}

func TestStatsETAUnknownWhenNoProgressYet(t *testing.T) {
	s := Stats{BytesDone: 0, TotalBytes: 1000, ElapsedSecs: 5}
	_, ok := s.ETASecs()
	if ok {
		t.Fatalf("expected ETA unknown with zero progress")
	}
}

func TestStatsETADoneWhenComplete(t *testing.T) {
	s := Stats{BytesDone: 1000, TotalBytes: 1000, ElapsedSecs: 5}
	eta, ok := s.ETASecs()
	if !ok || eta != 0 {
		t.Fatalf("ETASecs = (%v, %v), want (0, true)", eta, ok)
	}
}

func TestStatsFractionZeroTotalIsComplete(t *testing.T) {
	s := Stats{TotalBytes: 0}
	if f := s.Fraction(); f != 1.0 {
		t.Fatalf("Fraction = %v, want 1.0", f)
	}
}

func TestStatsFromBitmap(t *testing.T) {
	segments := segment.Plan(1000, 4)
	bitmap := segment.NewBitmap(4)
	bitmap.SetCompleted(0)
	bitmap.SetCompleted(2)
	stats := StatsFromBitmap(bitmap, segments, nil, 1000, time.Now().Add(-2*time.Second))
	if stats.SegmentsDone != 2 {
		t.Fatalf("SegmentsDone = %d, want 2", stats.SegmentsDone)
	}
	wantDone := segments[0].Len() + segments[2].Len()
	if stats.BytesDone != wantDone {
		t.Fatalf("BytesDone = %d, want %d", stats.BytesDone, wantDone)
	}
}
