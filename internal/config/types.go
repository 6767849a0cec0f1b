package config

// Config is the on-disk configuration. JSON, YAML and TOML files share these
// keys; YAML and TOML are coerced to JSON and decoded strictly.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Invoker  *InvokerConfig  `json:"invoker,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Diagnostics *DiagnosticsConfig `json:"diagnostics,omitempty"`

	// Jobs are declarative tasks kept in sync with the running scheduler.
	Jobs []JobConfig `json:"jobs,omitempty"`
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

// SchedulerConfig controls the scheduler and its task engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - retry_max: 3 (set 0 explicitly to disable retries)
//   - backoff_unit: "1s"
//   - backoff_cap: "5m"
//   - blocked_recheck: "1s"
//   - drain_timeout: "30s"
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type SchedulerConfig struct {
	// Timezone for calendar schedules (IANA name). Empty means Local.
	Timezone string `json:"timezone,omitempty"`

	// RetryMax is a pointer so an explicit 0 differs from "omitted".
	RetryMax       *int   `json:"retry_max,omitempty"`
	BackoffUnit    string `json:"backoff_unit,omitempty"`
	BackoffCap     string `json:"backoff_cap,omitempty"`
	BlockedRecheck string `json:"blocked_recheck,omitempty"`
	DrainTimeout   string `json:"drain_timeout,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier is enabled with defaults and
// writes to the log.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./reports" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// InvokerConfig configures the HTTP client behind api and event jobs.
type InvokerConfig struct {
	BaseURL    string            `json:"base_url"`
	EventsPath string            `json:"events_path,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"` // values are never logged
}

// TelegramConfig routes notifications to Telegram instead of the log.
type TelegramConfig struct {
	Token    string `json:"token"`
	APIURL   string `json:"api_url,omitempty"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// AdminChatID receives failure alerts; 0 means chat_id.
	AdminChatID   int64 `json:"admin_chat_id,omitempty"`
	AdminThreadID int   `json:"admin_thread_id,omitempty"`
}

// DiagnosticsConfig controls the optional debug HTTP server (pprof and
// scheduler state). It binds to 127.0.0.1:6060 by default.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// JobConfig is one declarative task.
//
// Exactly one of Schedule (recurring) or At (one-shot, RFC 3339) is set.
// Schedule accepts cron expressions, "interval:<dur>", "every:<dur|HH:MM>",
// "monthly: DD HH:MM" and "yearly: MM-DD HH:MM".
type JobConfig struct {
	Name      string   `json:"name"`
	Schedule  string   `json:"schedule,omitempty"`
	At        string   `json:"at,omitempty"`
	Action    string   `json:"action,omitempty"` // "api" (default) or "event"
	Endpoint  string   `json:"endpoint,omitempty"`
	Payload   string   `json:"payload,omitempty"`
	Event     string   `json:"event,omitempty"`
	Priority  string   `json:"priority,omitempty"` // low|medium|high
	DependsOn []string `json:"depends_on,omitempty"`
	Timeout   string   `json:"timeout,omitempty"`
}
