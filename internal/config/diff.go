package config

import (
	"reflect"
	"sort"
	"strings"

	logx "treebuild/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.UI != newCfg.UI {
		changed = append(changed, "ui")
		attrs = append(attrs,
			logx.Int("ui.fps", newCfg.UI.FPS),
			logx.String("ui.budget", strings.TrimSpace(newCfg.UI.Budget)),
		)
		if oldCfg.UI.Name != newCfg.UI.Name || oldCfg.UI.PostQueue != newCfg.UI.PostQueue {
			attrs = append(attrs, logx.Bool("ui.restart_required", true))
		}
	}

	if oldCfg.Scheduler.IsEnabled() != newCfg.Scheduler.IsEnabled() ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if names := diffWorkloads(oldCfg.Workloads, newCfg.Workloads); len(names) > 0 {
		changed = append(changed, "workloads")
		attrs = append(attrs,
			logx.Int("workloads.changed_count", len(names)),
			logx.String("workloads.changed", strings.Join(names, ",")),
		)
	}

	var oStore, nStore StorageConfig
	if oldCfg.Storage != nil {
		oStore = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nStore = *newCfg.Storage
	}
	if oStore != nStore {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nStore.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nStore.Path) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.schedule", newCfg.Maintenance.Schedule),
			logx.String("maintenance.retention", newCfg.Maintenance.Retention),
		)
	}

	// Compare everything but the token value; only its presence is logged.
	oDiag, nDiag := oldCfg.Diag, newCfg.Diag
	oTok, nTok := strings.TrimSpace(oDiag.Token) != "", strings.TrimSpace(nDiag.Token) != ""
	oDiag.Token, nDiag.Token = "", ""
	if oDiag != nDiag || oTok != nTok || (oTok && oldCfg.Diag.Token != newCfg.Diag.Token) {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", nDiag.Enabled),
			logx.String("diag.addr", strings.TrimSpace(nDiag.Addr)),
			logx.Bool("diag.token_set", nTok),
			logx.Bool("diag.allow_insecure", nDiag.AllowInsecure),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.enabled", newCfg.Systemd.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffWorkloads returns the sorted names of workloads that were added,
// removed or modified.
func diffWorkloads(oldW, newW []WorkloadConfig) []string {
	index := func(ws []WorkloadConfig) map[string]WorkloadConfig {
		m := make(map[string]WorkloadConfig, len(ws))
		for _, w := range ws {
			m[strings.TrimSpace(w.Name)] = w
		}
		return m
	}
	o, n := index(oldW), index(newW)

	var out []string
	for name, ow := range o {
		nw, ok := n[name]
		if !ok || !reflect.DeepEqual(ow, nw) {
			out = append(out, name)
		}
	}
	for name := range n {
		if _, ok := o[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
