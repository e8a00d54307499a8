package tickclock

import (
	"errors"
	"sync"
	"time"
)

// Counter is a high-resolution tick source.
//
// Read returns the current counter value; Frequency returns ticks per second
// and must not change for the counter's lifetime.
type Counter interface {
	Frequency() (int64, error)
	Read() (int64, error)
}

// ErrCounterRead is returned by counters that could not be read.
var ErrCounterRead = errors.New("counter read failed")

// MonotonicCounter reads Go's monotonic clock in nanoseconds. It never fails.
type MonotonicCounter struct {
	epoch time.Time
}

// NewMonotonicCounter returns a counter anchored at the current instant.
func NewMonotonicCounter() *MonotonicCounter {
	return &MonotonicCounter{epoch: time.Now()}
}

func (c *MonotonicCounter) Frequency() (int64, error) { return int64(time.Second), nil }

func (c *MonotonicCounter) Read() (int64, error) {
	return int64(time.Since(c.epoch)), nil
}

// ManualCounter is a counter advanced by hand.
//
// It is used by tests and by simulations that need deterministic frame timing.
// Reads fail while Fail(true) is in effect. Safe for concurrent use.
type ManualCounter struct {
	mu      sync.Mutex
	freq    int64
	now     int64
	failing bool
}

// NewManualCounter returns a counter at zero ticking freq times per second.
// A non-positive freq selects 1000 (one tick per millisecond).
func NewManualCounter(freq int64) *ManualCounter {
	if freq <= 0 {
		freq = 1000
	}
	return &ManualCounter{freq: freq}
}

func (c *ManualCounter) Frequency() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return 0, ErrCounterRead
	}
	return c.freq, nil
}

func (c *ManualCounter) Read() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return 0, ErrCounterRead
	}
	return c.now, nil
}

// Advance moves the counter forward by d, rounded down to whole ticks.
func (c *ManualCounter) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += int64(d) * c.freq / int64(time.Second)
	c.mu.Unlock()
}

// AddTicks moves the counter by n raw ticks (n may be negative).
func (c *ManualCounter) AddTicks(n int64) {
	c.mu.Lock()
	c.now += n
	c.mu.Unlock()
}

// Fail toggles read failures.
func (c *ManualCounter) Fail(enabled bool) {
	c.mu.Lock()
	c.failing = enabled
	c.mu.Unlock()
}
