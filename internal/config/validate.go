package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultBudget    = 40 * time.Millisecond
	DefaultRetention = 24 * time.Hour
	MaxFPS           = 1000

	// MaxWorkloadPriority bounds workloads[].priority; children of an element
	// are queued one level above it.
	MaxWorkloadPriority = 1_000_000
)

// Validate checks field ranges and duration syntax. Schedules are checked by
// the app validator, which knows the cron parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.UI.FPS < 0 || cfg.UI.FPS > MaxFPS {
		add(fmt.Errorf("ui.fps: must be between 0 and %d", MaxFPS))
	}
	if cfg.UI.PostQueue < 0 {
		add(errors.New("ui.post_queue: must be >= 0"))
	}
	_, err := ParseBudgetField("ui.budget", cfg.UI.Budget, DefaultBudget)
	add(err)

	seen := make(map[string]bool, len(cfg.Workloads))
	for i, w := range cfg.Workloads {
		path := fmt.Sprintf("workloads[%d]", i)
		name := strings.TrimSpace(w.Name)
		switch {
		case name == "":
			add(fmt.Errorf("%s.name: required", path))
		case seen[name]:
			add(fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = true
		if strings.TrimSpace(w.Schedule) == "" {
			add(fmt.Errorf("%s.schedule: required", path))
		}
		if w.Items < 0 {
			add(fmt.Errorf("%s.items: must be >= 0", path))
		}
		if w.Priority < 0 || w.Priority > MaxWorkloadPriority {
			add(fmt.Errorf("%s.priority: must be between 0 and %d", path, MaxWorkloadPriority))
		}
		if w.Fanout < 0 {
			add(fmt.Errorf("%s.fanout: must be >= 0", path))
		}
		_, err := ParseDurationField(path+".cost", w.Cost)
		add(err)
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "bolt":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
		_, err = ParseDurationField("storage.write_timeout", s.WriteTimeout)
		add(err)
	}
	_, err = ParseDurationField("maintenance.retention", cfg.Maintenance.Retention)
	add(err)

	for _, f := range [][2]string{
		{"diag.read_timeout", cfg.Diag.ReadTimeout},
		{"diag.write_timeout", cfg.Diag.WriteTimeout},
		{"diag.idle_timeout", cfg.Diag.IdleTimeout},
	} {
		_, err := ParseDurationField(f[0], f[1])
		add(err)
	}

	if cfg.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}
