package tickclock

import (
	"errors"
	"testing"
	"time"
)

func TestDurationInMilliseconds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		freq    int64
		advance int64 // raw ticks
		want    int64
	}{
		{name: "zero", freq: 1000, advance: 0, want: 0},
		{name: "exact ms", freq: 1000, advance: 12, want: 12},
		{name: "truncates", freq: 3, advance: 2, want: 666},
		{name: "ns counter", freq: int64(time.Second), advance: int64(4*time.Millisecond + 999*time.Microsecond), want: 4},
		{name: "backwards", freq: 1000, advance: -5, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctr := NewManualCounter(tt.freq)
			c, err := New(ctr)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			ctr.AddTicks(tt.advance)
			if got := c.DurationInMilliseconds(); got != tt.want {
				t.Fatalf("DurationInMilliseconds() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestResetMovesBaseline(t *testing.T) {
	t.Parallel()
	ctr := NewManualCounter(1000)
	c := MustNew(ctr)

	ctr.Advance(30 * time.Millisecond)
	if got := c.DurationInMilliseconds(); got != 30 {
		t.Fatalf("before reset = %d, want 30", got)
	}
	c.Reset()
	if got := c.DurationInMilliseconds(); got != 0 {
		t.Fatalf("after reset = %d, want 0", got)
	}
	ctr.Advance(7 * time.Millisecond)
	if got := c.Elapsed(); got != 7*time.Millisecond {
		t.Fatalf("Elapsed() = %v, want 7ms", got)
	}
}

func TestReadFailureReportsZero(t *testing.T) {
	t.Parallel()
	ctr := NewManualCounter(1000)
	c := MustNew(ctr)
	ctr.Advance(100 * time.Millisecond)

	ctr.Fail(true)
	if got := c.DurationInMilliseconds(); got != 0 {
		t.Fatalf("DurationInMilliseconds() on failure = %d, want 0", got)
	}
	if got := c.Elapsed(); got != 0 {
		t.Fatalf("Elapsed() on failure = %v, want 0", got)
	}

	// Reset keeps the old baseline while the counter is failing.
	c.Reset()
	ctr.Fail(false)
	if got := c.DurationInMilliseconds(); got != 100 {
		t.Fatalf("after failed reset = %d, want 100", got)
	}
}

func TestNewFailsWhenCounterUnreadable(t *testing.T) {
	t.Parallel()
	ctr := NewManualCounter(1000)
	ctr.Fail(true)
	_, err := New(ctr)
	if !errors.Is(err, ErrCounterUnavailable) {
		t.Fatalf("New() err = %v, want ErrCounterUnavailable", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("MustNew should panic on an unreadable counter")
		}
	}()
	MustNew(ctr)
}

func TestNilCounterUsesMonotonic(t *testing.T) {
	t.Parallel()
	c, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}
	if c.Frequency() != int64(time.Second) {
		t.Fatalf("Frequency() = %d", c.Frequency())
	}
	if got := c.DurationInMilliseconds(); got < 0 {
		t.Fatalf("negative elapsed %d", got)
	}
}

func TestElapsed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		freq    int64
		advance int64
		want    time.Duration
	}{
		{name: "ns counter", freq: int64(time.Second), advance: int64(1500 * time.Millisecond), want: 1500 * time.Millisecond},
		{name: "slow counter", freq: 3, advance: 4, want: time.Second + 333333333},
		// rem*1e9 overflows int64 here; the result must not wrap.
		{name: "20 GHz counter", freq: 20_000_000_000, advance: 20_000_000_000 - 1, want: 999999999},
		{name: "20 GHz counter past a second", freq: 20_000_000_000, advance: 50_000_000_000, want: 2500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctr := NewManualCounter(tt.freq)
			c, err := New(ctr)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			ctr.AddTicks(tt.advance)
			if got := c.Elapsed(); got != tt.want {
				t.Fatalf("Elapsed() = %v, want %v", got, tt.want)
			}
		})
	}
}
