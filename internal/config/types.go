package config

// Config is the daemon configuration. It is loaded from JSON or YAML; unknown
// keys are rejected.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	UI      UIConfig      `json:"ui"`

	// Scheduler holds settings shared by all cron-driven jobs.
	Scheduler SchedulerConfig  `json:"scheduler,omitempty"`
	Workloads []WorkloadConfig `json:"workloads,omitempty"`

	Storage     *StorageConfig    `json:"storage,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Diag        DiagConfig        `json:"diag,omitempty"`
	Systemd     SystemdConfig     `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// UIConfig controls the UI loop and its frame budget.
//
// Defaults (when fields are omitted/zero):
//   - name: "ui"
//   - fps: 60
//   - budget: "40ms"
//   - post_queue: 1024
type UIConfig struct {
	Name string `json:"name,omitempty"`
	FPS  int    `json:"fps,omitempty"`
	// Budget is a Go duration string. Millisecond granularity is what counts.
	Budget    string `json:"budget,omitempty"`
	PostQueue int    `json:"post_queue,omitempty"`
}

type SchedulerConfig struct {
	// Enabled is a pointer so an omitted value means enabled.
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// WorkloadConfig describes one recurring tree realization.
//
// Example:
//
//	{ "name": "menu", "schedule": "@every 2s", "items": 50, "priority": 2, "cost": "1ms", "fanout": 3 }
type WorkloadConfig struct {
	Name     string `json:"name"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule"`
	Items    int    `json:"items"`
	Priority int    `json:"priority,omitempty"`
	Cost     string `json:"cost,omitempty"` // Go duration string per item
	Fanout   int    `json:"fanout,omitempty"`
}

func (w WorkloadConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

// StorageConfig controls pass history persistence. Nil disables it.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/passes.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | bolt
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// WriteTimeout bounds a single append from the recorder.
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// MaintenanceConfig controls history pruning. An empty schedule disables it.
type MaintenanceConfig struct {
	Schedule  string `json:"schedule,omitempty"`
	Retention string `json:"retention,omitempty"` // default "24h"
}

// DiagConfig controls the optional diagnostics HTTP server (pprof and
// scheduler introspection).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type SystemdConfig struct {
	Enabled bool `json:"enabled"`
	// Status publishes a periodic STATUS= line with loop counters.
	Status bool `json:"status,omitempty"`
}
