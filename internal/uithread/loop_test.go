package uithread

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"treebuild/internal/eventbus"
	"treebuild/internal/tickclock"
	logx "treebuild/pkg/logx"
)

func startLoop(t *testing.T, cfg Config, clock *tickclock.TickClock) (*Loop, func()) {
	t.Helper()
	if cfg.FPS == 0 {
		cfg.FPS = 500
	}
	l, err := New(cfg, logx.Nop(), eventbus.New(), clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	return l, func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("loop did not stop")
		}
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

// settle waits until the loop has finished the frame that is currently running.
func settle(t *testing.T, l *Loop) {
	t.Helper()
	if err := l.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestLoopDrainsWorkInPriorityOrder(t *testing.T) {
	t.Parallel()
	l, stop := startLoop(t, Config{Name: "order"}, nil)
	defer stop()

	done := make(chan struct{})
	var order []int
	err := l.Do(context.Background(), func() {
		l.Scheduler().OnCompleted(func() { close(done) })
		for _, p := range []int{1, 5, 3} {
			if err := l.Scheduler().RegisterWork(p, func() { order = append(order, p) }); err != nil {
				t.Errorf("RegisterWork: %v", err)
			}
		}
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	waitClosed(t, done)
	settle(t, l)

	if diff := cmp.Diff([]int{5, 3, 1}, order); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
	snap := l.Snapshot()
	if snap.Frames == 0 || snap.Scheduler.Invoked != 3 || snap.Scheduler.Subscribed {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestLoopRegisterWorkFromOtherGoroutine(t *testing.T) {
	t.Parallel()
	l, stop := startLoop(t, Config{}, nil)
	defer stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			err := l.RegisterWork(p, func() {
				mu.Lock()
				ran++
				mu.Unlock()
			})
			if err != nil {
				t.Errorf("RegisterWork: %v", err)
			}
		}(i % 4)
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := ran
		mu.Unlock()
		if n == 20 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ran %d of 20 items", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoopSpreadsWorkAcrossFrames(t *testing.T) {
	t.Parallel()
	counter := tickclock.NewManualCounter(1000)
	l, stop := startLoop(t, Config{Budget: 40 * time.Millisecond}, tickclock.MustNew(counter))
	defer stop()

	done := make(chan struct{})
	err := l.Do(context.Background(), func() {
		l.Scheduler().OnCompleted(func() { close(done) })
		for i := 0; i < 5; i++ {
			_ = l.Scheduler().RegisterWork(1, func() { counter.Advance(30 * time.Millisecond) })
		}
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	waitClosed(t, done)
	settle(t, l)

	got := l.Snapshot().Scheduler
	if got.Passes != 3 || got.Yielded != 2 || got.Invoked != 5 || got.Completions != 1 {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

func TestPostErrors(t *testing.T) {
	t.Parallel()
	l, err := New(Config{PostQueue: 1}, logx.Nop(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Post(func() {}); err != nil {
		t.Fatalf("first Post: %v", err)
	}
	if err := l.Post(func() {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Post = %v, want ErrQueueFull", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := l.Run(ctx); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Run = %v, want ErrRunning", err)
	}
	if err := l.Post(func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Post after stop = %v, want ErrStopped", err)
	}
	if err := l.Do(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Do after stop = %v, want ErrStopped", err)
	}
	waitClosed(t, l.Done())
}

func TestStopDiscardsPendingWork(t *testing.T) {
	t.Parallel()
	// fps 1: the first frame fires immediately, later ones are a second apart.
	l, stop := startLoop(t, Config{FPS: 1, Budget: time.Nanosecond}, nil)

	block := make(chan struct{})
	err := l.Do(context.Background(), func() {
		_ = l.Scheduler().RegisterWork(0, func() { close(block) })
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	waitClosed(t, block)
	_ = l.Do(context.Background(), func() {
		for i := 0; i < 3; i++ {
			_ = l.Scheduler().RegisterWork(0, func() { t.Error("work ran after stop") })
		}
	})
	stop()

	if got := l.Snapshot().Scheduler.Discarded; got != 3 {
		t.Fatalf("discarded = %d, want 3", got)
	}
}

func TestRegisterWorkRejectsBadCallOnCaller(t *testing.T) {
	t.Parallel()
	l, stop := startLoop(t, Config{}, nil)
	defer stop()

	cases := []struct {
		name     string
		priority int
		action   func()
	}{
		{"negative priority", -1, func() {}},
		{"nil action", 0, nil},
	}
	for _, tc := range cases {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: RegisterWork did not panic on the caller", tc.name)
				}
			}()
			_ = l.RegisterWork(tc.priority, tc.action)
		}()
	}

	// Nothing was posted, so the loop is still serving.
	ran := make(chan struct{})
	if err := l.RegisterWork(0, func() { close(ran) }); err != nil {
		t.Fatalf("RegisterWork: %v", err)
	}
	waitClosed(t, ran)
	if !l.Snapshot().Running {
		t.Fatal("loop stopped after rejected registrations")
	}
}

func TestPostRacingStopIsRunOrDropped(t *testing.T) {
	t.Parallel()
	l, stop := startLoop(t, Config{PostQueue: 64}, nil)

	var accepted, ran atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := l.Post(func() { ran.Add(1) })
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, ErrStopped):
					return
				default:
					runtime.Gosched()
				}
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	stop()
	wg.Wait()
	waitClosed(t, l.Done())

	snap := l.Snapshot()
	if got, want := ran.Load()+snap.Dropped, accepted.Load(); got != want {
		t.Fatalf("ran %d + dropped %d = %d, want %d accepted posts", ran.Load(), snap.Dropped, got, want)
	}
	if snap.Posted != accepted.Load() {
		t.Fatalf("posted counter = %d, want %d", snap.Posted, accepted.Load())
	}
}
