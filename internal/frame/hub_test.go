package frame

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestHubFiresInSubscriptionOrder(t *testing.T) {
	h := NewHub()
	var got []string
	_, _ = h.Subscribe(func() { got = append(got, "a") })
	_, _ = h.Subscribe(func() { got = append(got, "b") })

	h.Fire()
	h.Fire()

	if diff := cmp.Diff([]string{"a", "b", "a", "b"}, got); diff != "" {
		t.Fatalf("fire order mismatch (-want +got):\n%s", diff)
	}
	if h.Frames() != 2 {
		t.Fatalf("Frames() = %d, want 2", h.Frames())
	}
}

func TestUnsubscribeDuringFire(t *testing.T) {
	h := NewHub()
	calls := map[string]int{}
	var second interface{ Unsubscribe() }
	first, _ := h.Subscribe(func() {
		calls["first"]++
		second.Unsubscribe()
	})
	second, _ = h.Subscribe(func() { calls["second"]++ })

	h.Fire()
	if calls["first"] != 1 || calls["second"] != 0 {
		t.Fatalf("calls = %v, second should be skipped once unsubscribed", calls)
	}
	if h.Len() != 1 || !h.Active() {
		t.Fatalf("Len() = %d, want 1", h.Len())
	}
	first.Unsubscribe()
	first.Unsubscribe()
	if h.Active() || h.Len() != 0 {
		t.Fatalf("hub should be idle, Len() = %d", h.Len())
	}
}

func TestSubscribeDuringFireWaitsForNextFrame(t *testing.T) {
	h := NewHub()
	late := 0
	var tok interface{ Unsubscribe() }
	tok, _ = h.Subscribe(func() {
		tok.Unsubscribe()
		_, _ = h.Subscribe(func() { late++ })
	})

	h.Fire()
	if late != 0 {
		t.Fatalf("callback added mid-frame ran in the same frame")
	}
	h.Fire()
	if late != 1 {
		t.Fatalf("late = %d, want 1", late)
	}
}

func TestClosedHubRejectsSubscribe(t *testing.T) {
	h := NewHub()
	_, _ = h.Subscribe(func() {})
	h.Close()
	if h.Active() {
		t.Fatal("closed hub still active")
	}
	if _, err := h.Subscribe(func() {}); err != ErrClosed {
		t.Fatalf("Subscribe after Close err = %v, want ErrClosed", err)
	}
}

func TestPacerSpacesFrames(t *testing.T) {
	p := NewPacer(50)
	if p.Interval() != 20*time.Millisecond {
		t.Fatalf("Interval() = %v", p.Interval())
	}
	now := time.Now()
	if d := p.NextAt(now); d != 0 {
		t.Fatalf("first frame delay = %v, want 0", d)
	}
	if d := p.NextAt(now); d < 19*time.Millisecond || d > 21*time.Millisecond {
		t.Fatalf("second frame delay = %v, want ~20ms", d)
	}

	p.SetFPS(0)
	if p.FPS() != DefaultFPS {
		t.Fatalf("FPS() = %d, want default", p.FPS())
	}
}
