package storage

import "time"

// Config configures storage.
//
// Driver values:
//   - "file": plain-text reports under the directory Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ExecutionRecord is one line of the execution log.
type ExecutionRecord struct {
	At     time.Time
	Task   string
	Status string
}

// FailureReport describes the last terminal failure of a task.
type FailureReport struct {
	At      time.Time
	Task    string
	Error   string
	Retries int
}
