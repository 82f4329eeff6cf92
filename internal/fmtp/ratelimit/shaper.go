// Package ratelimit implements the FMTP Rate Shaper: a leaky-bucket pacer
// for outbound multicast bytes, built to run on the sender's hot path
// without allocation, logging, or contended locking.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Shaper paces outbound packets to a target bits-per-second rate. A rate of
// zero disables pacing. The configured rate may be changed concurrently
// with Pace via SetRateBitsPerSec; Pace reads it with a single atomic load.
type Shaper struct {
	rateBitsPerSec uint64 // atomic
	lastSend       int64  // atomic, UnixNano of the previous send's completion
}

// NewShaper constructs a Shaper targeting rateBitsPerSec bits/sec. Zero
// disables pacing.
func NewShaper(rateBitsPerSec uint64) *Shaper {
	return &Shaper{
		rateBitsPerSec: rateBitsPerSec,
		lastSend:       time.Now().UnixNano(),
	}
}

// SetRateBitsPerSec atomically updates the target rate.
func (s *Shaper) SetRateBitsPerSec(rate uint64) {
	atomic.StoreUint64(&s.rateBitsPerSec, rate)
}

// Pace blocks for as long as required to keep the long-run egress rate at
// or below the configured rate, given that packetBytes is about to be sent.
// It must not allocate: called once per outbound multicast packet.
func (s *Shaper) Pace(packetBytes int) {
	rate := atomic.LoadUint64(&s.rateBitsPerSec)
	if rate == 0 {
		atomic.StoreInt64(&s.lastSend, time.Now().UnixNano())
		return
	}

	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&s.lastSend)
	elapsed := now - last

	targetNanos := int64(float64(packetBytes) * 8 * 1e9 / float64(rate))
	sleepNanos := targetNanos - elapsed

	if sleepNanos > 0 {
		time.Sleep(time.Duration(sleepNanos))
	}

	atomic.StoreInt64(&s.lastSend, time.Now().UnixNano())
}
