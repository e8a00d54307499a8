package workload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "treebuild/pkg/logx"
)

// Config controls triggering.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// Job is a scheduled function. The context is canceled on Stop.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	sched   Schedule
	job     Job
	entryID cron.EntryID
	spread  time.Duration
}

// ScheduleInfo describes one registered schedule.
type ScheduleInfo struct {
	Name   string        `json:"name"`
	Spec   string        `json:"spec"`
	Spread time.Duration `json:"spread,omitempty"`
	Next   time.Time     `json:"next"`
	Prev   time.Time     `json:"prev"`
}

// Service triggers named jobs. Definitions survive Stop/Start and timezone
// changes; a definition added with an existing name replaces it.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	defs   map[string]*scheduleDef
}

func NewService(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, defs: map[string]*scheduleDef{}}
}

// Apply updates the config. A timezone change re-registers every schedule;
// toggling Enabled starts or stops triggering.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.ctx == nil {
		return
	}
	switch {
	case !cfg.Enabled && s.c != nil:
		s.stopCronLocked()
		s.log.Info("triggering disabled")
	case cfg.Enabled && (s.c == nil || strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)):
		s.stopCronLocked()
		s.startCronLocked()
	}
}

// Start begins triggering. Jobs receive a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if !s.cfg.Enabled {
		s.log.Info("triggering disabled; schedules kept", logx.Int("schedules", len(s.defs)))
		return
	}
	s.startCronLocked()
}

// Stop stops triggering and cancels running jobs, waiting for them until ctx
// is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.ctx, s.cancel = nil, nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Debug("service stopped")
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	// Running jobs finish on their own; their context stays live.
	s.c.Stop()
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
}

// AddSchedule parses schedule and registers job under name.
func (s *Service) AddSchedule(name, schedule string, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, sched: sched, job: job}
	s.defs[name] = d
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		delete(s.defs, name)
		return err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", sched.Spec())}
	if d.spread > 0 {
		fields = append(fields, logx.Duration("startup_spread", d.spread))
	}
	s.log.Debug("schedule registered", fields...)
	return nil
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

// Names returns the registered schedule names, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for name := range s.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.sched.Spec(), Spread: d.spread}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	ctx := s.ctx
	job := cron.FuncJob(func() {
		start := time.Now()
		if err := d.job(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("scheduled job failed", logx.String("name", d.name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}
	})

	if d.sched.Kind == KindInterval {
		sched, jitter := withStartupSpread(d.sched.Every, time.Now().In(s.loc), d.name)
		d.spread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	d.spread = 0
	id, err := s.c.AddJob(d.sched.Cron, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron.Logger. Cron's own info chatter goes to
// trace.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
