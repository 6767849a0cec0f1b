package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	logx "pewsched/pkg/logx"
)

// Store is the persistence API used by the task engine and the notifier.
type Store interface {
	AppendExecutionRecord(ctx context.Context, taskName, status string) error
	WriteFailureReport(ctx context.Context, taskName, errDetail string, retries int) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

type opener func(cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store for cfg.Driver, or (nil, nil) when storage is
// disabled ("" or "none").
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q (supported: %s)",
			cfg.Driver, strings.Join(slices.Sorted(maps.Keys(drivers)), ", "))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Driver = name
	return open(cfg, log.With(logx.String("driver", name)))
}
