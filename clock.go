package tracekit

import "time"

// Clock is the time source a registry consults when a session's start
// timestamps are latched at allocation. The counter and the wall clock are
// read back to back under the registry lock, so consumers observe them as a
// consistent pair.
type Clock interface {
	// Frequency returns the counter frequency in ticks per second.
	Frequency() uint64

	// ReadCounter returns the current value of the monotonic counter.
	ReadCounter() uint64

	// WallClockNow returns the current wall-clock time.
	WallClockNow() time.Time

	// FrequencyScale returns the factor applied when converting counter
	// deltas to normalized time units.
	FrequencyScale() uint64
}

// SystemClock returns a Clock backed by the Go runtime: a nanosecond
// monotonic counter and UTC wall-clock reads.
func SystemClock() Clock {
	return &systemClock{base: time.Now()}
}

type systemClock struct {
	base time.Time
}

func (c *systemClock) Frequency() uint64 { return 1e9 }

func (c *systemClock) ReadCounter() uint64 {
	// time.Since uses the monotonic reading carried by base.
	return uint64(time.Since(c.base))
}

func (c *systemClock) WallClockNow() time.Time { return time.Now().UTC() }

func (c *systemClock) FrequencyScale() uint64 { return 1 }
