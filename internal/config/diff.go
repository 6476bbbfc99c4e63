package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "dispatchd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the names of schedules that were added, removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", newCfg.Dispatcher.IsEnabled()),
			logx.Bool("dispatcher.systemd_notify", newCfg.Dispatcher.SystemdNotify),
			logx.String("dispatcher.drop_warn_every", strings.TrimSpace(newCfg.Dispatcher.DropWarnEvery)),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		te := newCfg.TaskEngine
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(te.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(te.MaxQueueDelay)),
			logx.Int("task_engine.history_size", te.HistorySize),
			logx.Int("task_engine.retry_max", te.RetryMax),
		)
	}

	// Status (never log token)
	oSt, nSt := oldCfg.Status, newCfg.Status
	oTok, nTok := strings.TrimSpace(oSt.Token) != "", strings.TrimSpace(nSt.Token) != ""
	oSt.Token, nSt.Token = "", ""
	if oSt != nSt || oTok != nTok {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", nSt.Enabled),
			logx.String("status.addr", strings.TrimSpace(nSt.Addr)),
			logx.Bool("status.token_set", nTok),
			logx.Bool("status.allow_insecure", nSt.AllowInsecure),
			logx.Bool("status.pprof", nSt.Pprof),
		)
	}

	// Nil storage means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.retention", strings.TrimSpace(nS.Retention)),
		)
	}

	schedChanged := diffSchedules(oldCfg.Schedules, newCfg.Schedules)
	if len(schedChanged) > 0 || !reflect.DeepEqual(oldCfg.Schedules.Names(), newCfg.Schedules.Names()) {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(schedChanged)),
			logx.Int("schedules.total", len(newCfg.Schedules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, schedChanged
}

func diffSchedules(oldS, newS Schedules) []string {
	hashes := func(s Schedules) map[string]uint64 {
		m := make(map[string]uint64, len(s))
		for _, e := range s {
			b, _ := json.Marshal(e)
			m[e.Name] = hashBytes(b)
		}
		return m
	}
	o, n := hashes(oldS), hashes(newS)

	out := make([]string, 0)
	for name, h := range n {
		if oh, ok := o[name]; !ok || oh != h {
			out = append(out, name)
		}
	}
	for name := range o {
		if _, ok := n[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
