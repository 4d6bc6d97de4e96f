// Package progress reports download progress to the CLI: a bounded
// channel of bitmap snapshots plus the derived rate/ETA/fraction stats
// a status display actually renders.
package progress

import (
	"fmt"
	"time"

	"github.com/datallboy/godlm/internal/segment"
	"github.com/dustin/go-humanize"
)

// channelCapacity bounds the progress channel so a slow consumer
// cannot make the executor block on a send; Send drops an update
// rather than blocking.
const channelCapacity = 8

// Update is one progress notification: the job it belongs to and the
// bitmap snapshot at the time of the send.
type Update struct {
	JobID  int64
	Bitmap *segment.Bitmap
}

// Channel is a bounded, non-blocking progress sink. Send never blocks
// the caller; a full channel drops the update, since a fresher one
// will follow shortly.
type Channel struct {
	ch chan Update
}

// NewChannel constructs a progress channel with the standard capacity.
func NewChannel() *Channel {
	return &Channel{ch: make(chan Update, channelCapacity)}
}

// Send attempts to enqueue update, dropping it silently if the channel
// is full.
func (c *Channel) Send(update Update) {
	if c == nil {
		return
	}
	select {
	case c.ch <- update:
	default:
	}
}

// Updates returns the receive side for a consumer goroutine.
func (c *Channel) Updates() <-chan Update {
	return c.ch
}

// Close closes the channel. Call once, after the producer is done.
func (c *Channel) Close() {
	close(c.ch)
}

// Stats is a point-in-time snapshot of a job's progress, derived from
// the job's segment bitmap and size, suitable for a CLI status line.
type Stats struct {
	BytesDone     uint64
	BytesInFlight uint64
	TotalBytes    uint64
	ElapsedSecs   float64
	SegmentsDone  int
	SegmentCount  int
}

// BytesPerSec is the average throughput since the download started,
// counting bytes already on disk plus bytes currently in flight (read
// off the wire but not yet accounted as a completed segment), zero
// until any time has elapsed.
func (s Stats) BytesPerSec() float64 {
	if s.ElapsedSecs <= 0 {
		return 0
	}
	return float64(s.BytesDone+s.BytesInFlight) / s.ElapsedSecs
}

// ETASecs estimates remaining seconds at the current average rate,
// counting in-flight bytes as already accounted for toward the total.
// Returns (0, true) once done, and (0, false) when the rate is not yet
// known (nothing downloaded, or zero elapsed time).
func (s Stats) ETASecs() (float64, bool) {
	accounted := s.BytesDone + s.BytesInFlight
	var remaining uint64
	if s.TotalBytes > accounted {
		remaining = s.TotalBytes - accounted
	}
	if remaining == 0 {
		return 0, true
	}
	rate := s.BytesPerSec()
	if rate <= 0 {
		return 0, false
	}
	return float64(remaining) / rate, true
}

// Fraction is the completion ratio in [0.0, 1.0]. A zero-length job
// reports 1.0 (vacuously complete).
func (s Stats) Fraction() float64 {
	if s.TotalBytes == 0 {
		return 1.0
	}
	f := float64(s.BytesDone) / float64(s.TotalBytes)
	if f > 1.0 {
		return 1.0
	}
	return f
}

// String renders a CLI-friendly status line: bytes done of total, rate,
// and ETA (or a dash once no further estimate is available).
func (s Stats) String() string {
	etaStr := "-"
	if eta, ok := s.ETASecs(); ok {
		etaStr = (time.Duration(eta * float64(time.Second))).Round(time.Second).String()
	}
	return fmt.Sprintf("%s / %s (%.1f%%) at %s/s, ETA %s",
		humanize.Bytes(s.BytesDone), humanize.Bytes(s.TotalBytes), s.Fraction()*100,
		humanize.Bytes(uint64(s.BytesPerSec())), etaStr)
}

// StatsFromBitmap derives Stats for a job from its current bitmap,
// per-segment plan, in-flight byte counters, and the time the job
// started running. In-flight counters of segments the bitmap already
// marks complete are not summed, since those bytes count as done.
func StatsFromBitmap(bitmap *segment.Bitmap, segments []segment.Segment, inFlight []uint64, totalBytes uint64, startedAt time.Time) Stats {
	var done uint64
	segmentsDone := 0
	for i, seg := range segments {
		if bitmap.IsCompleted(i) {
			done += seg.Len()
			segmentsDone++
		}
	}
	var inFlightSum uint64
	for i, b := range inFlight {
		if bitmap.IsCompleted(i) {
			continue
		}
		inFlightSum += b
	}
	return Stats{
		BytesDone:     done,
		BytesInFlight: inFlightSum,
		TotalBytes:    totalBytes,
		ElapsedSecs:   time.Since(startedAt).Seconds(),
		SegmentsDone:  segmentsDone,
		SegmentCount:  len(segments),
	}
}
