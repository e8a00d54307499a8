package workload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"treebuild/internal/buildtree"
	logx "treebuild/pkg/logx"
)

// ErrBusy is returned by a realization job when the previous run of the
// same workload has not finished draining.
var ErrBusy = errors.New("workload: previous realization still draining")

// MaxPriority is the highest element priority a Spec may use. Children are
// queued at Priority+1.
const MaxPriority = 1_000_000

// Loop is the part of the UI loop a Realizer needs. Scheduler is only used
// from inside posted functions.
type Loop interface {
	Post(fn func()) error
	Scheduler() *buildtree.Scheduler
}

// Spec describes one recurring tree realization.
//
// Each run queues Items elements at Priority. Realizing an element takes
// Cost; when Fanout > 0 it then queues its children as one chunked item at
// Priority+1 that realizes Fanout children, checking ShouldYield between
// children and re-queuing the rest when the frame budget is spent.
type Spec struct {
	Name     string
	Schedule string
	Items    int
	Priority int
	Cost     time.Duration
	Fanout   int
}

// Counters for one workload.
type Counters struct {
	Name          string        `json:"name"`
	Runs          uint64        `json:"runs"`
	Busy          uint64        `json:"busy"`
	Elements      uint64        `json:"elements"`
	Children      uint64        `json:"children"`
	Continuations uint64        `json:"continuations"`
	Realized      uint64        `json:"realized"`
	LastTook      time.Duration `json:"last_took"`
}

type workloadState struct {
	name     string
	inFlight atomic.Bool

	runs          atomic.Uint64
	busy          atomic.Uint64
	elements      atomic.Uint64
	children      atomic.Uint64
	continuations atomic.Uint64
	realized      atomic.Uint64
	lastTook      atomic.Int64
}

// Realizer builds realization jobs that feed a UI loop.
type Realizer struct {
	loop Loop
	log  logx.Logger

	// sleep simulates element work; tests replace it.
	sleep func(time.Duration)

	mu     sync.Mutex
	states map[string]*workloadState
}

func NewRealizer(loop Loop, log logx.Logger) *Realizer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Realizer{loop: loop, log: log, sleep: time.Sleep, states: map[string]*workloadState{}}
}

func (r *Realizer) state(name string) *workloadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[name]
	if st == nil {
		st = &workloadState{name: name}
		r.states[name] = st
	}
	return st
}

// Counters returns per-workload counters sorted by name.
func (r *Realizer) Counters() []Counters {
	r.mu.Lock()
	states := make([]*workloadState, 0, len(r.states))
	for _, st := range r.states {
		states = append(states, st)
	}
	r.mu.Unlock()

	out := make([]Counters, 0, len(states))
	for _, st := range states {
		out = append(out, Counters{
			Name:          st.name,
			Runs:          st.runs.Load(),
			Busy:          st.busy.Load(),
			Elements:      st.elements.Load(),
			Children:      st.children.Load(),
			Continuations: st.continuations.Load(),
			Realized:      st.realized.Load(),
			LastTook:      time.Duration(st.lastTook.Load()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Job returns the scheduled function for spec.
func (r *Realizer) Job(spec Spec) Job {
	return func(ctx context.Context) error {
		return r.Realize(ctx, spec)
	}
}

// run tracks one realization on the loop goroutine.
type run struct {
	spec        Spec
	st          *workloadState
	started     time.Time
	outstanding int
}

// Realize posts one realization of spec onto the loop. It returns once the
// work is queued, not when it has drained.
func (r *Realizer) Realize(ctx context.Context, spec Spec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if spec.Items <= 0 {
		return nil
	}
	if spec.Priority < 0 || spec.Priority > MaxPriority {
		return fmt.Errorf("workload %s: priority %d out of range [0, %d]", spec.Name, spec.Priority, MaxPriority)
	}
	if spec.Fanout < 0 {
		return fmt.Errorf("workload %s: fanout must be >= 0", spec.Name)
	}
	st := r.state(spec.Name)
	if !st.inFlight.CompareAndSwap(false, true) {
		st.busy.Add(1)
		return ErrBusy
	}
	st.runs.Add(1)

	err := r.loop.Post(func() {
		ru := &run{spec: spec, st: st, started: time.Now()}
		sched := r.loop.Scheduler()
		for i := 0; i < spec.Items; i++ {
			if err := r.queue(sched, ru, spec.Priority, func() { r.element(sched, ru) }); err != nil {
				r.log.Error("element registration failed", logx.String("workload", spec.Name), logx.Err(err))
				break
			}
		}
		r.finishIfDone(ru)
	})
	if err != nil {
		st.inFlight.Store(false)
		return fmt.Errorf("workload %s: %w", spec.Name, err)
	}
	return nil
}

// queue registers one tracked item. Must run on the loop goroutine.
func (r *Realizer) queue(sched *buildtree.Scheduler, ru *run, priority int, fn func()) error {
	ru.outstanding++
	err := sched.RegisterWork(priority, func() {
		defer func() {
			ru.outstanding--
			r.finishIfDone(ru)
		}()
		fn()
	})
	if err != nil {
		ru.outstanding--
	}
	return err
}

func (r *Realizer) element(sched *buildtree.Scheduler, ru *run) {
	r.sleep(ru.spec.Cost)
	ru.st.elements.Add(1)
	if ru.spec.Fanout > 0 {
		r.queueChildren(sched, ru, ru.spec.Fanout)
	}
}

func (r *Realizer) queueChildren(sched *buildtree.Scheduler, ru *run, left int) {
	err := r.queue(sched, ru, ru.spec.Priority+1, func() {
		for left > 0 {
			r.sleep(ru.spec.Cost)
			ru.st.children.Add(1)
			left--
			if left > 0 && sched.ShouldYield() {
				ru.st.continuations.Add(1)
				r.queueChildren(sched, ru, left)
				return
			}
		}
	})
	if err != nil {
		r.log.Error("child registration failed", logx.String("workload", ru.spec.Name), logx.Err(err))
	}
}

func (r *Realizer) finishIfDone(ru *run) {
	if ru.outstanding > 0 {
		return
	}
	took := time.Since(ru.started)
	ru.st.realized.Add(1)
	ru.st.lastTook.Store(int64(took))
	ru.st.inFlight.Store(false)
	r.log.Debug("tree realized", logx.String("workload", ru.spec.Name), logx.Int("items", ru.spec.Items), logx.Duration("took", took))
}
