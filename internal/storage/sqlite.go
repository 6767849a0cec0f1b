package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "pewsched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var schemaSQL string

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

const (
	defaultBusyTimeout = time.Second
	dedupPruneEvery    = 500
)

const (
	sqlInsertRecord = `INSERT INTO execution_records(at, task, status) VALUES(?, ?, ?)`
	sqlUpsertReport = `INSERT INTO failure_reports(task, at, error, retries) VALUES(?, ?, ?, ?)
ON CONFLICT(task) DO UPDATE SET at = excluded.at, error = excluded.error, retries = excluded.retries`
	sqlSelectRecords = `SELECT at, task, status FROM execution_records WHERE task = ? ORDER BY id`
	sqlSelectReport  = `SELECT at, error, retries FROM failure_reports WHERE task = ?`
	sqlUpsertDedup   = `INSERT INTO dedup(key, until) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET until = excluded.until`
	sqlSelectDedup   = `SELECT until FROM dedup WHERE key = ?`
	sqlPruneDedup    = `DELETE FROM dedup WHERE until < ?`
)

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	puts atomic.Uint64
}

// sqliteDSN sets per-connection pragmas through modernc's _pragma parameter.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	// One writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	st := &sqliteStore{db: db, log: log}
	if err := st.pruneDedup(ctx); err != nil {
		log.Debug("dedup prune failed", logx.Err(err))
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var have int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&have); err != nil {
		return err
	}
	if have >= schemaVersion {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nowText() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (s *sqliteStore) AppendExecutionRecord(ctx context.Context, taskName, status string) error {
	_, err := s.db.ExecContext(ctx, sqlInsertRecord, nowText(), taskName, status)
	return err
}

func (s *sqliteStore) WriteFailureReport(ctx context.Context, taskName, errDetail string, retries int) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertReport, taskName, nowText(), errDetail, retries)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key = strings.TrimSpace(key); key == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, sqlUpsertDedup, key, until.UnixMilli()); err != nil {
		return err
	}
	if s.puts.Add(1)%dedupPruneEvery == 0 {
		if err := s.pruneDedup(ctx); err != nil {
			s.log.Debug("dedup prune failed", logx.Err(err))
		}
	}
	return nil
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key = strings.TrimSpace(key); key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	switch err := s.db.QueryRowContext(ctx, sqlSelectDedup, key).Scan(&ms); {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneDedup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlPruneDedup, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) executionRecords(ctx context.Context, taskName string) ([]ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectRecords, taskName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var (
			r  ExecutionRecord
			at string
		)
		if err := rows.Scan(&at, &r.Task, &r.Status); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) failureReport(ctx context.Context, taskName string) (FailureReport, bool, error) {
	r := FailureReport{Task: taskName}
	var at string
	switch err := s.db.QueryRowContext(ctx, sqlSelectReport, taskName).Scan(&at, &r.Error, &r.Retries); {
	case errors.Is(err, sql.ErrNoRows):
		return FailureReport{}, false, nil
	case err != nil:
		return FailureReport{}, false, err
	}
	r.At, _ = time.Parse(time.RFC3339Nano, at)
	return r, true, nil
}
