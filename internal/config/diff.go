package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pewsched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the names of jobs that were added, changed or removed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		sc := newCfg.Scheduler
		retry := -1
		if sc.RetryMax != nil {
			retry = *sc.RetryMax
		}
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(sc.Timezone)),
			logx.Int("scheduler.retry_max", retry),
			logx.String("scheduler.backoff_unit", strings.TrimSpace(sc.BackoffUnit)),
			logx.String("scheduler.backoff_cap", strings.TrimSpace(sc.BackoffCap)),
			logx.String("scheduler.blocked_recheck", strings.TrimSpace(sc.BlockedRecheck)),
			logx.String("scheduler.drain_timeout", strings.TrimSpace(sc.DrainTimeout)),
			logx.Int("scheduler.history_size", sc.HistorySize),
		)
	}

	// Notifier. Nil means runtime defaults.
	defN := &NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	// Storage. Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	// Invoker (never log header values)
	var oI, nI InvokerConfig
	if oldCfg.Invoker != nil {
		oI = *oldCfg.Invoker
	}
	if newCfg.Invoker != nil {
		nI = *newCfg.Invoker
	}
	if !reflect.DeepEqual(oI, nI) {
		changed = append(changed, "invoker")
		attrs = append(attrs,
			logx.String("invoker.base_url", strings.TrimSpace(nI.BaseURL)),
			logx.String("invoker.timeout", strings.TrimSpace(nI.Timeout)),
			logx.Int("invoker.header_count", len(nI.Headers)),
		)
	}

	// Telegram (never log token)
	var oT, nT TelegramConfig
	if oldCfg.Telegram != nil {
		oT = *oldCfg.Telegram
	}
	if newCfg.Telegram != nil {
		nT = *newCfg.Telegram
	}
	if !reflect.DeepEqual(oT, nT) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Int64("telegram.chat_id", nT.ChatID),
			logx.Bool("telegram.admin_set", nT.AdminChatID != 0),
		)
	}

	// Diagnostics (never log token)
	var oD, nD DiagnosticsConfig
	if oldCfg.Diagnostics != nil {
		oD = *oldCfg.Diagnostics
	}
	if newCfg.Diagnostics != nil {
		nD = *newCfg.Diagnostics
	}
	if oD != nD {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", nD.Enabled),
			logx.String("diagnostics.addr", strings.TrimSpace(nD.Addr)),
			logx.Bool("diagnostics.token_set", strings.TrimSpace(nD.Token) != ""),
		)
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.total", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(js []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	oldM, newM := index(oldJobs), index(newJobs)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
