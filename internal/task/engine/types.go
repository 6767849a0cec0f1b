package engine

import (
	"context"
	"strings"
	"time"
)

// Config controls the task execution engine.
//
// The app layer maps config.scheduler into this struct.
type Config struct {
	// MaxRetries bounds re-enqueues after a failure.
	// 0 applies the default (3); a negative value disables retries.
	MaxRetries int

	// BackoffUnit is the base of the exponential retry delay (2^(n+1) units).
	BackoffUnit time.Duration
	// BackoffCap bounds a single retry delay.
	BackoffCap time.Duration

	// BlockedRecheck bounds how long the worker sleeps while every due task
	// is waiting on a prerequisite.
	BlockedRecheck time.Duration

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int
}

const (
	defaultMaxRetries     = 3
	defaultBackoffUnit    = time.Second
	defaultBackoffCap     = 5 * time.Minute
	defaultBlockedRecheck = time.Second
	defaultHistorySize    = 200
)

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = -1
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = defaultBackoffUnit
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.BlockedRecheck <= 0 {
		c.BlockedRecheck = defaultBlockedRecheck
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Policy returns the retry policy derived from the config.
func (c Config) Policy() RetryPolicy {
	c = c.withDefaults()
	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return RetryPolicy{MaxRetries: maxRetries, Unit: c.BackoffUnit, Cap: c.BackoffCap}
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority maps "low", "medium" and "high" (case-insensitive). Empty input is medium.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, true
	case "", "medium", "normal":
		return PriorityMedium, true
	case "high":
		return PriorityHigh, true
	default:
		return PriorityMedium, false
	}
}

// Recurrence computes the next occurrence strictly after t.
// robfig/cron schedules satisfy it.
type Recurrence interface {
	Next(t time.Time) time.Time
}

// Task is a unit of deferred work.
//
// Names are not unique: scheduling two tasks with the same name creates two
// independent entries. IDs are unique per entry.
type Task struct {
	ID       string
	Name     string
	Run      func(ctx context.Context) error
	Due      time.Time
	Priority Priority

	// Periodic tasks are re-enqueued after every run, at Interval or at the
	// next Recurrence occurrence when one is set.
	Periodic   bool
	Interval   time.Duration
	Recurrence Recurrence

	// Occurrence is the nominal due time of the current occurrence.
	// Retries keep it so the periodic series does not drift.
	Occurrence time.Time

	RetryCount int
	Timeout    time.Duration

	// rescheduled marks the follow-up occurrence of a periodic task that already
	// ran; it blocks dependents only once it is due.
	rescheduled bool
}

// nextOccurrence returns the first occurrence strictly after now, counting skipped ones.
func (t *Task) nextOccurrence(now time.Time) (time.Time, int) {
	from := t.Occurrence
	if from.IsZero() {
		from = t.Due
	}
	skipped := 0
	for i := 0; i < 100000; i++ {
		var next time.Time
		if t.Recurrence != nil {
			next = t.Recurrence.Next(from)
		} else {
			next = from.Add(t.Interval)
		}
		if next.IsZero() || !next.After(from) {
			return time.Time{}, skipped
		}
		if next.After(now) {
			return next, skipped
		}
		from = next
		skipped++
	}
	return time.Time{}, skipped
}

// Notifier receives task status messages. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, taskName, message string) error
}

// Recorder keeps the execution audit trail.
type Recorder interface {
	AppendExecutionRecord(ctx context.Context, taskName, status string) error
	WriteFailureReport(ctx context.Context, taskName, errDetail string, retries int) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	RetryCount int
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Due        time.Time     `json:"due"`
	Started    time.Time     `json:"started,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	RetryCount int           `json:"retry_count"`
	Error      string        `json:"error,omitempty"`
}

// TaskInfo describes a pending or running entry.
type TaskInfo struct {
	ID         string
	Name       string
	Due        time.Time
	Priority   Priority
	Periodic   bool
	RetryCount int
	Running    bool
	BlockedBy  []string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Stopping bool

	Pending  int
	InFlight int
	Edges    int

	MaxRetries     int
	BackoffUnit    time.Duration
	BackoffCap     time.Duration
	BlockedRecheck time.Duration

	Executed  uint64
	Failed    uint64
	Retried   uint64
	Exhausted uint64
	Abandoned uint64

	History []HistoryItem
}
