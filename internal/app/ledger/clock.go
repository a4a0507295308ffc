package ledger

import (
	"sync/atomic"
	"time"
)

// LogicalClock is a per-player Lamport counter. Every outbound mutating request
// ticks it and acknowledgments echo the value back.
type LogicalClock struct {
	value atomic.Uint64
}

// Now returns the current clock value without advancing it.
func (c *LogicalClock) Now() uint64 {
	return c.value.Load()
}

// Tick advances the clock for a local event and returns the new value.
func (c *LogicalClock) Tick() uint64 {
	return c.value.Add(1)
}

// Observe merges a remote value: the clock moves strictly past it.
func (c *LogicalClock) Observe(remote uint64) uint64 {
	for {
		cur := c.value.Load()
		next := cur
		if remote > next {
			next = remote
		}
		next++
		if c.value.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Seed raises the clock to at least v without ticking.
func (c *LogicalClock) Seed(v uint64) {
	for {
		cur := c.value.Load()
		if cur >= v || c.value.CompareAndSwap(cur, v) {
			return
		}
	}
}

// FromTimestamp derives a sequence from a wall-clock instant for sources without real sequences.
func FromTimestamp(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}
