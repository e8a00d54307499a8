// Package uithread runs a goroutine that plays the role of a UI thread: it
// owns a frame hub and a build-tree scheduler, executes functions posted from
// other goroutines, and delivers frames at a paced cadence while anything is
// subscribed to them.
package uithread

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"treebuild/internal/buildtree"
	"treebuild/internal/eventbus"
	"treebuild/internal/frame"
	"treebuild/internal/tickclock"
	logx "treebuild/pkg/logx"
)

var (
	ErrStopped   = errors.New("uithread: loop stopped")
	ErrQueueFull = errors.New("uithread: post queue full")
	ErrRunning   = errors.New("uithread: loop already running")
)

// Config controls one loop.
type Config struct {
	Name      string
	FPS       int
	Budget    time.Duration
	PostQueue int
}

// Snapshot is a goroutine-safe view of the loop for diagnostics.
type Snapshot struct {
	Name        string          `json:"name"`
	Running     bool            `json:"running"`
	FPS         int             `json:"fps"`
	Frames      uint64          `json:"frames"`
	Posted      uint64          `json:"posted"`
	Dropped     uint64          `json:"dropped"` // posts discarded at shutdown
	QueueLen    int             `json:"queue_len"`
	QueueCap    int             `json:"queue_cap"`
	LastFrameAt time.Time       `json:"last_frame_at"`
	Scheduler   buildtree.Stats `json:"scheduler"`
}

type Loop struct {
	name  string
	log   logx.Logger
	hub   *frame.Hub
	sched *buildtree.Scheduler
	pacer *frame.Pacer

	postMu sync.RWMutex
	posts  chan func()
	done   chan struct{}

	running atomic.Bool
	stopped atomic.Bool

	frames      atomic.Uint64
	posted      atomic.Uint64
	dropped     atomic.Uint64
	lastFrameAt atomic.Int64
}

// New builds a loop. The scheduler uses a monotonic tick clock unless clock
// is given.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, clock *tickclock.TickClock) (*Loop, error) {
	if cfg.Name == "" {
		cfg.Name = "ui"
	}
	if cfg.PostQueue <= 0 {
		cfg.PostQueue = 1024
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	hub := frame.NewHub()
	opts := []buildtree.Option{
		buildtree.WithLogger(log.With(logx.String("comp", "buildtree"))),
		buildtree.WithBus(bus),
	}
	if clock != nil {
		opts = append(opts, buildtree.WithClock(clock))
	}
	sched, err := buildtree.New(buildtree.Config{Name: cfg.Name, Budget: cfg.Budget}, hub, opts...)
	if err != nil {
		return nil, err
	}
	return &Loop{
		name:  cfg.Name,
		log:   log,
		hub:   hub,
		sched: sched,
		pacer: frame.NewPacer(cfg.FPS),
		posts: make(chan func(), cfg.PostQueue),
		done:  make(chan struct{}),
	}, nil
}

func (l *Loop) Name() string { return l.name }

// Scheduler must only be used from the loop goroutine (inside posted
// functions or work items), except for its goroutine-safe methods.
func (l *Loop) Scheduler() *buildtree.Scheduler { return l.sched }

// Hub must only be used from the loop goroutine.
func (l *Loop) Hub() *frame.Hub { return l.hub }

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) SetBudget(d time.Duration) { l.sched.SetBudget(d) }

func (l *Loop) SetFPS(fps int) { l.pacer.SetFPS(fps) }

// Run executes the loop until ctx is canceled. A panic raised by posted work,
// a frame callback or a work item is not recovered here: the loop shuts down
// and the panic continues to the caller.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.shutdown()

	l.log.Info("ui loop started", logx.String("loop", l.name), logx.Int("fps", l.pacer.FPS()), logx.Duration("budget", l.sched.Budget()))

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()
	var frameC <-chan time.Time

	for {
		if frameC == nil && l.hub.Active() {
			timer.Reset(l.pacer.Next())
			frameC = timer.C
		}
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.posts:
			fn()
		case <-frameC:
			frameC = nil
			l.fire()
		}
	}
}

func (l *Loop) fire() {
	if !l.hub.Active() {
		return
	}
	l.frames.Add(1)
	l.lastFrameAt.Store(time.Now().UnixNano())
	l.hub.Fire()
}

func (l *Loop) shutdown() {
	l.postMu.Lock()
	l.stopped.Store(true)
	l.postMu.Unlock()
	discarded := l.sched.Close()
	l.hub.Close()
	dropped := 0
	for {
		select {
		case <-l.posts:
			dropped++
			continue
		default:
		}
		break
	}
	l.dropped.Store(uint64(dropped))
	close(l.done)
	l.log.Info("ui loop stopped",
		logx.String("loop", l.name),
		logx.Uint64("frames", l.frames.Load()),
		logx.Int("discarded_work", discarded),
		logx.Int("dropped_posts", dropped),
	)
}

// Post queues fn to run on the loop goroutine. It never blocks.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	// shutdown flips stopped under the write lock before draining, so an
	// accepted fn is either run or counted as dropped.
	l.postMu.RLock()
	defer l.postMu.RUnlock()
	if l.stopped.Load() {
		return ErrStopped
	}
	select {
	case l.posts <- fn:
		l.posted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Do runs fn on the loop goroutine and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// fn may have been dropped at shutdown.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterWork posts a scheduler registration from any goroutine. A negative
// priority or nil action panics here, on the caller, not on the loop.
func (l *Loop) RegisterWork(priority int, action func()) error {
	buildtree.NewWorkItem(priority, action)
	return l.Post(func() {
		if err := l.sched.RegisterWork(priority, action); err != nil {
			l.log.Error("work registration failed", logx.String("loop", l.name), logx.Int("priority", priority), logx.Err(err))
		}
	})
}

func (l *Loop) Snapshot() Snapshot {
	snap := Snapshot{
		Name:      l.name,
		Running:   l.running.Load() && !l.stopped.Load(),
		FPS:       l.pacer.FPS(),
		Frames:    l.frames.Load(),
		Posted:    l.posted.Load(),
		Dropped:   l.dropped.Load(),
		QueueLen:  len(l.posts),
		QueueCap:  cap(l.posts),
		Scheduler: l.sched.Stats(),
	}
	if ns := l.lastFrameAt.Load(); ns != 0 {
		snap.LastFrameAt = time.Unix(0, ns)
	}
	return snap
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
