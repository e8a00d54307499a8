package buildtree

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"treebuild/internal/eventbus"
	"treebuild/internal/tickclock"
	logx "treebuild/pkg/logx"
)

// DefaultBudget is the per-frame drain budget used when Config.Budget is 0.
const DefaultBudget = 40 * time.Millisecond

// Event types published on the bus.
const (
	EventPass      = "buildtree.pass"
	EventCompleted = "buildtree.completed"
)

var (
	ErrSubscribe = errors.New("buildtree: frame subscription failed")
	ErrNoFrames  = errors.New("buildtree: frame source required")
)

// Subscription is a live per-frame callback registration.
type Subscription interface {
	Unsubscribe()
}

// FrameSource delivers a callback once per rendering frame on the goroutine
// that owns the Scheduler.
type FrameSource interface {
	Subscribe(cb func()) (Subscription, error)
}

type Config struct {
	// Name identifies the scheduler in logs and events.
	Name string
	// Budget is the time a single frame may spend draining work.
	// 0 selects DefaultBudget; negative values are treated as 0 by SetBudget.
	Budget time.Duration
}

type Option func(*Scheduler)

func WithClock(c *tickclock.TickClock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// PassReport describes one frame callback.
type PassReport struct {
	Scheduler string        `json:"scheduler"`
	Frame     uint64        `json:"frame"`
	Pending   int           `json:"pending"` // queue length when the frame began
	Ran       int           `json:"ran"`
	Remaining int           `json:"remaining"`
	Elapsed   time.Duration `json:"elapsed"`
	Budget    time.Duration `json:"budget"`
	Skipped   bool          `json:"skipped"` // budget was already spent when the frame arrived
	Yielded   bool          `json:"yielded"` // stopped with work left
	Drained   bool          `json:"drained"`
	At        time.Time     `json:"at"`

	// NextPriority is the head of the queue after the pass, -1 when empty.
	NextPriority int `json:"next_priority"`
}

// Stats is a goroutine-safe counter snapshot.
type Stats struct {
	Name        string        `json:"name"`
	Budget      time.Duration `json:"budget"`
	Pending     int           `json:"pending"`
	Subscribed  bool          `json:"subscribed"`
	Registered  uint64        `json:"registered"`
	Invoked     uint64        `json:"invoked"`
	Passes      uint64        `json:"passes"`
	Skipped     uint64        `json:"skipped"`
	Yielded     uint64        `json:"yielded"`
	Completions uint64        `json:"completions"`
	Discarded   uint64        `json:"discarded"`
}

// Scheduler drains prioritized work within a per-frame time budget.
//
// RegisterWork, ShouldYield, Close and the frame callback must run on the
// owning goroutine. Budget, SetBudget, Stats and OnCompleted are safe from
// any goroutine.
type Scheduler struct {
	name   string
	frames FrameSource
	clock  *tickclock.TickClock
	log    logx.Logger
	bus    eventbus.Bus

	budget atomic.Int64 // time.Duration

	queue workQueue
	sub   Subscription // nil while idle
	seq   uint64
	frame uint64

	obsMu     sync.Mutex
	observers map[uint64]func()
	obsSeq    uint64

	overrunWarn rate.Sometimes

	registered  atomic.Uint64
	invoked     atomic.Uint64
	passes      atomic.Uint64
	skipped     atomic.Uint64
	yielded     atomic.Uint64
	completions atomic.Uint64
	discarded   atomic.Uint64
	pending     atomic.Int64
	subscribed  atomic.Bool
}

func New(cfg Config, frames FrameSource, opts ...Option) (*Scheduler, error) {
	if frames == nil {
		return nil, ErrNoFrames
	}
	s := &Scheduler{
		name:        cfg.Name,
		frames:      frames,
		observers:   map[uint64]func(){},
		overrunWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
	if s.name == "" {
		s.name = "main"
	}
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		c, err := tickclock.New(nil)
		if err != nil {
			return nil, err
		}
		s.clock = c
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	budget := cfg.Budget
	if budget == 0 {
		budget = DefaultBudget
	}
	s.SetBudget(budget)
	return s, nil
}

func (s *Scheduler) Name() string { return s.name }

// Budget returns the current per-frame budget.
func (s *Scheduler) Budget() time.Duration { return time.Duration(s.budget.Load()) }

// SetBudget changes the budget for future checks. Negative values become 0.
func (s *Scheduler) SetBudget(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.budget.Store(int64(d))
}

// RegisterWork queues action at priority and makes sure the scheduler is
// hooked to the frame source. It panics on a negative priority or nil action.
// An error is returned only if the frame source refuses the subscription, in
// which case nothing is queued.
func (s *Scheduler) RegisterWork(priority int, action func()) error {
	item := NewWorkItem(priority, action)
	if err := s.ensureSubscribed(); err != nil {
		return err
	}
	s.seq++
	item.seq = s.seq
	s.queue.push(item)
	s.pending.Add(1)
	s.registered.Add(1)
	return nil
}

// ShouldYield reports whether the current pass has used up its budget.
// Work items may call it to stop producing more sub-work.
func (s *Scheduler) ShouldYield() bool {
	return s.clock.DurationInMilliseconds() > s.Budget().Milliseconds()
}

// Pending returns the number of queued items.
func (s *Scheduler) Pending() int { return int(s.pending.Load()) }

// Subscribed reports whether the frame hook is attached.
func (s *Scheduler) Subscribed() bool { return s.subscribed.Load() }

// OnCompleted registers fn to run each time a frame pass empties the queue.
// The returned func removes it.
func (s *Scheduler) OnCompleted(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.obsMu.Lock()
	s.obsSeq++
	id := s.obsSeq
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

// Close detaches from the frame source and discards pending work.
// It returns the number of discarded items.
func (s *Scheduler) Close() int {
	s.detach()
	n := s.queue.clear()
	s.pending.Store(0)
	if n > 0 {
		s.discarded.Add(uint64(n))
		s.log.Debug("pending work discarded", logx.String("scheduler", s.name), logx.Int("items", n))
	}
	return n
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Name:        s.name,
		Budget:      s.Budget(),
		Pending:     s.Pending(),
		Subscribed:  s.Subscribed(),
		Registered:  s.registered.Load(),
		Invoked:     s.invoked.Load(),
		Passes:      s.passes.Load(),
		Skipped:     s.skipped.Load(),
		Yielded:     s.yielded.Load(),
		Completions: s.completions.Load(),
		Discarded:   s.discarded.Load(),
	}
}

func (s *Scheduler) ensureSubscribed() error {
	if s.sub != nil {
		return nil
	}
	sub, err := s.frames.Subscribe(s.onFrame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubscribe, err)
	}
	if sub == nil {
		return fmt.Errorf("%w: frame source returned no subscription", ErrSubscribe)
	}
	s.sub = sub
	s.subscribed.Store(true)
	// Measure the first pass from the point work arrived, not from the last drain.
	s.clock.Reset()
	s.log.Trace("frame hook attached", logx.String("scheduler", s.name))
	return nil
}

func (s *Scheduler) detach() {
	if s.sub == nil {
		return
	}
	s.sub.Unsubscribe()
	s.sub = nil
	s.subscribed.Store(false)
	s.log.Trace("frame hook detached", logx.String("scheduler", s.name))
}

// onFrame is the per-frame callback.
func (s *Scheduler) onFrame() {
	s.frame++
	rep := PassReport{
		Scheduler: s.name,
		Frame:     s.frame,
		Pending:   s.queue.Len(),
		Budget:    s.Budget(),
	}

	if s.ShouldYield() {
		rep.Skipped = true
	} else {
		for s.queue.Len() > 0 {
			// Pop before invoking: the item is consumed even if it panics.
			item := s.queue.pop()
			s.pending.Add(-1)
			item.Invoke()
			rep.Ran++
			if s.ShouldYield() {
				break
			}
		}
	}

	rep.Elapsed = s.clock.Elapsed()
	rep.Remaining = s.queue.Len()
	rep.NextPriority = -1
	if next := s.queue.peek(); next != nil {
		rep.NextPriority = next.priority
	}

	if rep.Remaining == 0 {
		s.detach()
		rep.Drained = rep.Pending > 0 || rep.Ran > 0
		if rep.Drained {
			s.notifyCompleted()
		}
	} else if !rep.Skipped {
		rep.Yielded = true
	}

	s.clock.Reset()
	s.record(rep)
}

func (s *Scheduler) notifyCompleted() {
	s.completions.Add(1)

	s.obsMu.Lock()
	fns := make([]func(), 0, len(s.observers))
	ids := make([]uint64, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn()
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventCompleted, Data: s.name})
	}
}

func (s *Scheduler) record(rep PassReport) {
	s.passes.Add(1)
	s.invoked.Add(uint64(rep.Ran))
	if rep.Skipped {
		s.skipped.Add(1)
	}
	if rep.Yielded {
		s.yielded.Add(1)
	}

	// A single item can blow through the budget; there is no preemption.
	if rep.Ran > 0 && rep.Budget > 0 && rep.Elapsed > 2*rep.Budget {
		s.overrunWarn.Do(func() {
			s.log.Warn("frame pass overran budget",
				logx.String("scheduler", s.name),
				logx.Duration("elapsed", rep.Elapsed),
				logx.Duration("budget", rep.Budget),
				logx.Int("ran", rep.Ran),
			)
		})
	}
	if s.log.Enabled(logx.LevelTrace) {
		s.log.Trace("frame pass",
			logx.String("scheduler", s.name),
			logx.Uint64("frame", rep.Frame),
			logx.Int("ran", rep.Ran),
			logx.Int("remaining", rep.Remaining),
			logx.Duration("elapsed", rep.Elapsed),
			logx.Bool("skipped", rep.Skipped),
		)
	}

	if s.bus != nil && (rep.Ran > 0 || rep.Skipped || rep.Drained) {
		rep.At = time.Now()
		s.bus.Publish(eventbus.Event{Type: EventPass, Time: rep.At, Data: rep})
	}
}
