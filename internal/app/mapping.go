package app

import (
	"fmt"
	"strings"
	"time"

	"treebuild/internal/config"
	"treebuild/internal/observability/diag"
	"treebuild/internal/passlog"
	"treebuild/internal/storage"
	"treebuild/internal/uithread"
	"treebuild/internal/workload"
	logx "treebuild/pkg/logx"
)

// maintenanceJob is the schedule name of the history pruning job. Workloads
// may not use it.
const maintenanceJob = "maintenance.prune"

const defaultFPS = 60

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapUIConfig(cfg *config.Config) (uithread.Config, error) {
	budget, err := config.ParseBudgetField("ui.budget", cfg.UI.Budget, config.DefaultBudget)
	if err != nil {
		return uithread.Config{}, err
	}
	fps := cfg.UI.FPS
	if fps == 0 {
		fps = defaultFPS
	}
	return uithread.Config{
		Name:      strings.TrimSpace(cfg.UI.Name),
		FPS:       fps,
		Budget:    budget,
		PostQueue: cfg.UI.PostQueue,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
}

func mapRecorderConfig(cfg *config.Config) (passlog.Config, error) {
	var raw string
	if cfg.Storage != nil {
		raw = cfg.Storage.WriteTimeout
	}
	wt, err := config.ParseDurationOrDefault("storage.write_timeout", raw, passlog.DefaultWriteTimeout)
	if err != nil {
		return passlog.Config{}, err
	}
	return passlog.Config{WriteTimeout: wt}, nil
}

func mapSchedulerConfig(cfg *config.Config) workload.Config {
	return workload.Config{
		Enabled:  cfg.Scheduler.IsEnabled(),
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

// mapWorkloads returns the enabled workloads keyed by name.
func mapWorkloads(cfg *config.Config) (map[string]workload.Spec, error) {
	out := make(map[string]workload.Spec, len(cfg.Workloads))
	for i, w := range cfg.Workloads {
		name := strings.TrimSpace(w.Name)
		if name == maintenanceJob {
			return nil, fmt.Errorf("workloads[%d].name: %q is reserved", i, name)
		}
		if _, err := workload.ParseSchedule(w.Schedule); err != nil {
			return nil, fmt.Errorf("workloads[%d].schedule: %w", i, err)
		}
		cost, err := config.ParseDurationField(fmt.Sprintf("workloads[%d].cost", i), w.Cost)
		if err != nil {
			return nil, err
		}
		if !w.IsEnabled() {
			continue
		}
		out[name] = workload.Spec{
			Name:     name,
			Schedule: strings.TrimSpace(w.Schedule),
			Items:    w.Items,
			Priority: w.Priority,
			Cost:     cost,
			Fanout:   w.Fanout,
		}
	}
	return out, nil
}

type maintenance struct {
	Schedule  string
	Retention time.Duration
}

func mapMaintenance(cfg *config.Config) (maintenance, error) {
	m := maintenance{Schedule: strings.TrimSpace(cfg.Maintenance.Schedule)}
	if m.Schedule != "" {
		if _, err := workload.ParseSchedule(m.Schedule); err != nil {
			return maintenance{}, fmt.Errorf("maintenance.schedule: %w", err)
		}
	}
	ret, err := config.ParseDurationOrDefault("maintenance.retention", cfg.Maintenance.Retention, config.DefaultRetention)
	if err != nil {
		return maintenance{}, err
	}
	m.Retention = ret
	return m, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Diag
	read, err := config.ParseDurationOrDefault("diag.read_timeout", dc.ReadTimeout, 10*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	// profile and trace endpoints stream for up to 30s by default
	write, err := config.ParseDurationOrDefault("diag.write_timeout", dc.WriteTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("diag.idle_timeout", dc.IdleTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	addr := strings.TrimSpace(dc.Addr)
	if addr == "" {
		addr = diag.DefaultAddr
	}
	return diag.Config{
		Enabled:              dc.Enabled,
		Addr:                 addr,
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}, nil
}

// validate is the transactional reload check: everything a reload applies
// must map cleanly before the config is committed.
func validate(cfg *config.Config) error {
	if _, err := mapUIConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRecorderConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWorkloads(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenance(cfg); err != nil {
		return err
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		return err
	}
	return nil
}
