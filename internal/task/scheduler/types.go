package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pewsched/internal/task/engine"
	logx "pewsched/pkg/logx"
)

// Config controls the scheduler facade.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
	Engine   engine.Config
}

// Re-export task types from engine.
type (
	Priority    = engine.Priority
	TaskInfo    = engine.TaskInfo
	HistoryItem = engine.HistoryItem
	TaskEvent   = engine.TaskEvent
)

const (
	PriorityLow    = engine.PriorityLow
	PriorityMedium = engine.PriorityMedium
	PriorityHigh   = engine.PriorityHigh
)

var (
	ErrInvalidTask = engine.ErrInvalidTask
	ErrStopped     = engine.ErrStopped
	ErrNoInvoker   = errors.New("no external invoker configured")
)

// Invoker performs network calls for API and event tasks.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, payload []byte) error
	TriggerEvent(ctx context.Context, name string) error
}

// Func is a task payload.
type Func = func(ctx context.Context) error

// TaskOption customizes a task built by ScheduleTask.
type TaskOption func(*engine.Task)

// Periodic makes the task recur every interval after each run.
func Periodic(interval time.Duration) TaskOption {
	return func(t *engine.Task) {
		t.Periodic = true
		t.Interval = interval
	}
}

// WithTimeout bounds each run of the task.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *engine.Task) { t.Timeout = d }
}

func withRecurrence(r engine.Recurrence) TaskOption {
	return func(t *engine.Task) {
		t.Periodic = true
		t.Recurrence = r
	}
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	loc     *time.Location
	engine  *engine.Service
	invoker Invoker
	parser  cron.Parser

	// jobs holds the declarative job set last applied through SyncJobs.
	jobs map[string]JobSpec
}

type Snapshot struct {
	Timezone string
	Engine   engine.Snapshot
	Tasks    []TaskInfo
	Jobs     []string
}
