// Package passlog persists frame pass reports published on the event bus.
package passlog

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"treebuild/internal/buildtree"
	"treebuild/internal/eventbus"
	"treebuild/internal/storage"
	logx "treebuild/pkg/logx"
)

const (
	DefaultWriteTimeout = 2 * time.Second
	defaultBuffer       = 256
)

type Config struct {
	WriteTimeout time.Duration
	Buffer       int
}

type Stats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Ignored uint64 `json:"ignored"`
}

// Recorder copies buildtree.pass events that did or deferred work into a
// storage.Store.
type Recorder struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	cfg   Config

	failWarn rate.Sometimes

	written atomic.Uint64
	failed  atomic.Uint64
	ignored atomic.Uint64
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		store:    store,
		bus:      bus,
		log:      log,
		cfg:      cfg,
		failWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

func (r *Recorder) Stats() Stats {
	return Stats{Written: r.written.Load(), Failed: r.failed.Load(), Ignored: r.ignored.Load()}
}

// Run subscribes to the bus and records passes until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsubscribe := r.bus.Subscribe(r.cfg.Buffer, buildtree.EventPass)
	defer unsubscribe()

	r.log.Debug("pass recorder started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			rep, ok := ev.Data.(buildtree.PassReport)
			if !ok {
				r.ignored.Add(1)
				continue
			}
			r.Record(ctx, rep)
		}
	}
}

// Record writes one report. Passes that neither ran nor skipped work are
// ignored. It reports whether a record was written.
func (r *Recorder) Record(ctx context.Context, rep buildtree.PassReport) bool {
	if rep.Ran == 0 && !rep.Skipped {
		r.ignored.Add(1)
		return false
	}
	wctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()
	if err := r.store.AppendPass(wctx, ToRecord(rep)); err != nil {
		n := r.failed.Add(1)
		r.failWarn.Do(func() {
			r.log.Warn("pass record write failed", logx.Err(err), logx.Uint64("failed_total", n))
		})
		return false
	}
	r.written.Add(1)
	return true
}

// ToRecord converts a pass report to its stored form.
func ToRecord(rep buildtree.PassReport) storage.PassRecord {
	at := rep.At
	if at.IsZero() {
		at = time.Now()
	}
	return storage.PassRecord{
		At:        at,
		Scheduler: rep.Scheduler,
		Frame:     rep.Frame,
		Pending:   rep.Pending,
		Ran:       rep.Ran,
		Remaining: rep.Remaining,
		ElapsedMS: rep.Elapsed.Milliseconds(),
		BudgetMS:  rep.Budget.Milliseconds(),
		Skipped:   rep.Skipped,
		Yielded:   rep.Yielded,
		Drained:   rep.Drained,
	}
}
