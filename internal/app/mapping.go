package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"pewsched/internal/config"
	"pewsched/internal/invoker"
	"pewsched/internal/notifier"
	"pewsched/internal/observability/diag"
	"pewsched/internal/storage"
	"pewsched/internal/task/engine"
	"pewsched/internal/task/scheduler"
	kit "pewsched/internal/transport"
	logx "pewsched/pkg/logx"
)

const defaultDrainTimeout = 30 * time.Second

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

	switch driver {
	case "file":
		if path == "" {
			path = "."
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapEngineConfig translates config.scheduler. An omitted retry_max keeps the
// engine default; an explicit 0 disables retries.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	sc := cfg.Scheduler
	out := engine.Config{HistorySize: sc.HistorySize}
	if sc.RetryMax != nil {
		if *sc.RetryMax < 0 {
			return engine.Config{}, fmt.Errorf("scheduler.retry_max must be >= 0")
		}
		out.MaxRetries = *sc.RetryMax
		if out.MaxRetries == 0 {
			out.MaxRetries = -1
		}
	}

	var err error
	if out.BackoffUnit, err = config.ParseDurationField("scheduler.backoff_unit", sc.BackoffUnit); err != nil {
		return engine.Config{}, err
	}
	if out.BackoffCap, err = config.ParseDurationField("scheduler.backoff_cap", sc.BackoffCap); err != nil {
		return engine.Config{}, err
	}
	if out.BlockedRecheck, err = config.ParseDurationField("scheduler.blocked_recheck", sc.BlockedRecheck); err != nil {
		return engine.Config{}, err
	}
	if out.DefaultTimeout, err = config.ParseDurationField("scheduler.default_timeout", sc.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone), Engine: ec}, nil
}

func mapDrainTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.drain_timeout", cfg.Scheduler.DrainTimeout, defaultDrainTimeout)
}

// mapNotifierConfig returns runtime defaults (enabled) when the section is omitted.
// Targets come from the telegram section.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{Enabled: true}
	if nc := cfg.Notifier; nc != nil {
		if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
			return notifier.Config{}, fmt.Errorf("notifier: numeric fields must be >= 0")
		}
		out = notifier.Config{
			Enabled:         nc.Enabled,
			Workers:         nc.Workers,
			QueueSize:       nc.QueueSize,
			RatePerSec:      nc.RatePerSec,
			RetryMax:        nc.RetryMax,
			DedupMaxEntries: nc.DedupMaxEntries,
			PersistDedup:    nc.PersistDedup,
		}
		var err error
		if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
			return notifier.Config{}, err
		}
		if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
			return notifier.Config{}, err
		}
		if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", nc.DedupWindow); err != nil {
			return notifier.Config{}, err
		}
	}
	if tc := cfg.Telegram; tc != nil {
		out.Target = kit.ChatTarget{ChatID: tc.ChatID, ThreadID: tc.ThreadID}
		if tc.AdminChatID != 0 {
			out.AdminTarget = kit.ChatTarget{ChatID: tc.AdminChatID, ThreadID: tc.AdminThreadID}
		}
	}
	return out, nil
}

func mapInvokerConfig(cfg *config.Config) (invoker.Config, bool, error) {
	ic := cfg.Invoker
	if ic == nil || strings.TrimSpace(ic.BaseURL) == "" {
		return invoker.Config{}, false, nil
	}
	timeout, err := config.ParseDurationField("invoker.timeout", ic.Timeout)
	if err != nil {
		return invoker.Config{}, false, err
	}
	return invoker.Config{
		BaseURL:    strings.TrimSpace(ic.BaseURL),
		EventsPath: strings.TrimSpace(ic.EventsPath),
		Timeout:    timeout,
		Headers:    ic.Headers,
	}, true, nil
}

func mapJobs(cfg *config.Config) ([]scheduler.JobSpec, error) {
	out := make([]scheduler.JobSpec, 0, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		spec := scheduler.JobSpec{
			Name:      strings.TrimSpace(j.Name),
			Schedule:  strings.TrimSpace(j.Schedule),
			Action:    j.Action,
			Endpoint:  j.Endpoint,
			Payload:   j.Payload,
			Event:     j.Event,
			Priority:  j.Priority,
			DependsOn: j.DependsOn,
		}
		if strings.TrimSpace(j.At) != "" {
			at, err := config.ParseJobTime(j.At)
			if err != nil {
				return nil, fmt.Errorf("jobs[%d].at: %w", i, err)
			}
			spec.At = at
		}
		timeout, err := config.ParseDurationField(fmt.Sprintf("jobs[%d].timeout", i), j.Timeout)
		if err != nil {
			return nil, err
		}
		spec.Timeout = timeout
		out = append(out, spec)
	}
	return out, nil
}

// mapDiagConfig never starts the server; it only validates and applies defaults.
func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Diagnostics
	if dc == nil {
		return diag.Config{}, nil
	}
	out := diag.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("diagnostics.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return diag.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("diagnostics.idle_timeout", dc.IdleTimeout, 2*time.Minute); err != nil {
		return diag.Config{}, err
	}
	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return diag.Config{}, fmt.Errorf("diagnostics.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		if !out.AllowInsecure && out.Token == "" && !diag.IsLoopbackAddr(out.Addr) {
			return diag.Config{}, fmt.Errorf("diagnostics: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

// validateRuntime runs the checks that need runtime packages (schedule
// grammar, mapped sections). config.Validate covers the rest.
func validateRuntime(cfg *config.Config) error {
	for i, j := range cfg.Jobs {
		if strings.TrimSpace(j.Schedule) == "" {
			continue
		}
		if err := scheduler.ValidateSchedule(j.Schedule); err != nil {
			return fmt.Errorf("jobs[%d].schedule: %w", i, err)
		}
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapInvokerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		return err
	}
	_, err := mapJobs(cfg)
	return err
}
