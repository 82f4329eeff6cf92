package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShaperDisabledDoesNotSleep(t *testing.T) {
	s := NewShaper(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		s.Pace(1460)
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestShaperPacesToRate(t *testing.T) {
	// 1460 bytes at 1 Mbps should take roughly 11.68ms per packet.
	s := NewShaper(1_000_000)
	s.Pace(1460) // prime lastSend; this call also sleeps ~11.68ms, since lastSend starts at construction

	start := time.Now()
	s.Pace(1460)
	elapsed := time.Since(start)

	assert.Greater(t, elapsed, 5*time.Millisecond)
}

func TestSetRateBitsPerSecTakesEffect(t *testing.T) {
	s := NewShaper(1_000_000)
	s.SetRateBitsPerSec(0)
	start := time.Now()
	s.Pace(1460)
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}
