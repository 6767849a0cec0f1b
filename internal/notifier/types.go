package notifier

import (
	"context"
	"errors"
	"time"

	kit "pewsched/internal/transport"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Priorities used by Notify and Alert. Alerts get a siren prefix.
const (
	PriorityStatus = 5
	PriorityAlert  = 9
)

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration // 0 disables dedup
	DedupMaxEntries int
	PersistDedup    bool

	Target kit.ChatTarget
	// AdminTarget receives exhaustion alerts; zero means Target.
	AdminTarget kit.ChatTarget
}

func (c Config) withDefaults() Config {
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&c.Workers, 2)
	setInt(&c.QueueSize, 512)
	setInt(&c.RatePerSec, 3)
	setInt(&c.DedupMaxEntries, 2000)
	setDur(&c.RetryBase, 500*time.Millisecond)
	setDur(&c.RetryMaxDelay, 10*time.Second)
	c.RetryMax = max(c.RetryMax, 0)
	c.DedupWindow = max(c.DedupWindow, 0)
	if c.AdminTarget == (kit.ChatTarget{}) {
		c.AdminTarget = c.Target
	}
	return c
}

// DedupStore persists suppress-until deadlines across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// NotificationEvent is the Data of notifier.* bus events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
