package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks values the JSON decoder cannot: durations, enums, required
// fields and job names. Schedule syntax is checked by the app validator.
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

	sc := cfg.Scheduler
	for path, raw := range map[string]string{
		"scheduler.backoff_unit":    sc.BackoffUnit,
		"scheduler.backoff_cap":     sc.BackoffCap,
		"scheduler.blocked_recheck": sc.BlockedRecheck,
		"scheduler.drain_timeout":   sc.DrainTimeout,
		"scheduler.default_timeout": sc.DefaultTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if sc.RetryMax != nil && *sc.RetryMax < 0 {
		add(errors.New("scheduler.retry_max: must be >= 0"))
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if n := cfg.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(errors.New("storage.path: required for driver " + st.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}

	if inv := cfg.Invoker; inv != nil {
		if strings.TrimSpace(inv.BaseURL) == "" {
			add(errors.New("invoker.base_url: required"))
		}
		_, err := ParseDurationField("invoker.timeout", inv.Timeout)
		add(err)
	}

	if tg := cfg.Telegram; tg != nil {
		if strings.TrimSpace(tg.Token) == "" {
			add(errors.New("telegram.token: required"))
		}
		if tg.ChatID == 0 {
			add(errors.New("telegram.chat_id: required"))
		}
	}

	if d := cfg.Diagnostics; d != nil {
		_, err := ParseDurationField("diagnostics.read_timeout", d.ReadTimeout)
		add(err)
		_, err = ParseDurationField("diagnostics.idle_timeout", d.IdleTimeout)
		add(err)
	}

	seen := map[string]bool{}
	for i, j := range cfg.Jobs {
		add(validateJob(i, j, seen, cfg.Invoker != nil))
	}
	return errors.Join(errs...)
}

func validateJob(i int, j JobConfig, seen map[string]bool, haveInvoker bool) error {
	name := strings.TrimSpace(j.Name)
	path := fmt.Sprintf("jobs[%d]", i)
	if name == "" {
		return fmt.Errorf("%s.name: required", path)
	}
	path = fmt.Sprintf("jobs[%s]", name)
	if seen[name] {
		return fmt.Errorf("%s: duplicate job name", path)
	}
	seen[name] = true

	hasSchedule := strings.TrimSpace(j.Schedule) != ""
	hasAt := strings.TrimSpace(j.At) != ""
	if hasSchedule == hasAt {
		return fmt.Errorf("%s: set exactly one of schedule or at", path)
	}
	if hasAt {
		if _, err := ParseJobTime(j.At); err != nil {
			return fmt.Errorf("%s.at: %w", path, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(j.Action)) {
	case "", "api":
		if strings.TrimSpace(j.Endpoint) == "" {
			return fmt.Errorf("%s.endpoint: required for api jobs", path)
		}
	case "event":
		if strings.TrimSpace(j.Event) == "" {
			return fmt.Errorf("%s.event: required for event jobs", path)
		}
	default:
		return fmt.Errorf("%s.action: unknown action %q (want api or event)", path, j.Action)
	}
	if !haveInvoker {
		return fmt.Errorf("%s: jobs need an invoker section", path)
	}

	switch strings.ToLower(strings.TrimSpace(j.Priority)) {
	case "", "low", "medium", "normal", "high":
	default:
		return fmt.Errorf("%s.priority: unknown priority %q", path, j.Priority)
	}
	for _, dep := range j.DependsOn {
		if strings.TrimSpace(dep) == name {
			return fmt.Errorf("%s.depends_on: job depends on itself", path)
		}
	}
	_, err := ParseDurationField(path+".timeout", j.Timeout)
	return err
}

// ParseJobTime parses a one-shot job time (RFC 3339).
func ParseJobTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want RFC 3339): %w", raw, err)
	}
	return t, nil
}
