// Package tickclock measures elapsed time since a resettable baseline on top
// of a high-resolution counter.
//
// A read failure after construction is reported as zero elapsed time, so a
// budget check driven by the clock never trips on a faulty counter.
package tickclock

import (
	"errors"
	"fmt"
	"math/bits"
	"time"
)

// ErrCounterUnavailable means the counter could not be read at construction.
var ErrCounterUnavailable = errors.New("tickclock: counter unavailable")

// TickClock is not safe for concurrent use; each scheduling goroutine owns one.
type TickClock struct {
	counter   Counter
	frequency int64
	start     int64
}

// New reads the counter frequency and a baseline. A nil counter selects a
// MonotonicCounter.
func New(counter Counter) (*TickClock, error) {
	if counter == nil {
		counter = NewMonotonicCounter()
	}
	freq, err := counter.Frequency()
	if err != nil {
		return nil, fmt.Errorf("%w: frequency: %v", ErrCounterUnavailable, err)
	}
	if freq <= 0 {
		return nil, fmt.Errorf("%w: non-positive frequency %d", ErrCounterUnavailable, freq)
	}
	start, err := counter.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: baseline: %v", ErrCounterUnavailable, err)
	}
	return &TickClock{counter: counter, frequency: freq, start: start}, nil
}

// MustNew is New for process setup paths where a missing counter is fatal.
func MustNew(counter Counter) *TickClock {
	c, err := New(counter)
	if err != nil {
		panic(err)
	}
	return c
}

// Reset moves the baseline to now. On a read failure the old baseline stays.
func (c *TickClock) Reset() {
	now, err := c.counter.Read()
	if err != nil {
		return
	}
	c.start = now
}

// DurationInMilliseconds returns whole milliseconds since the baseline,
// truncated toward zero. It returns 0 if the counter cannot be read.
func (c *TickClock) DurationInMilliseconds() int64 {
	delta, ok := c.delta()
	if !ok {
		return 0
	}
	// Split to keep delta*1000 from overflowing on long-lived baselines.
	return (delta/c.frequency)*1000 + (delta%c.frequency)*1000/c.frequency
}

// Elapsed is DurationInMilliseconds at nanosecond resolution.
func (c *TickClock) Elapsed() time.Duration {
	delta, ok := c.delta()
	if !ok {
		return 0
	}
	sec := delta / c.frequency
	rem := delta % c.frequency
	// rem*1e9 can exceed int64 on counters faster than ~9.2 GHz; rem < frequency
	// keeps the 128-bit quotient in range.
	hi, lo := bits.Mul64(uint64(rem), uint64(time.Second))
	ns, _ := bits.Div64(hi, lo, uint64(c.frequency))
	return time.Duration(sec)*time.Second + time.Duration(ns)
}

// Frequency returns the counter frequency captured at construction.
func (c *TickClock) Frequency() int64 { return c.frequency }

func (c *TickClock) delta() (int64, bool) {
	now, err := c.counter.Read()
	if err != nil {
		return 0, false
	}
	d := now - c.start
	if d < 0 {
		// counter stepped backwards; treat as no time passed
		return 0, true
	}
	return d, true
}
