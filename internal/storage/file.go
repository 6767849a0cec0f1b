package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "pewsched/pkg/logx"
)

const (
	taskLogName         = "task_log.txt"
	failureReportPrefix = "failure_report_"
)

var errClosed = errors.New("storage closed")

// fileStore writes the plain-text audit formats into one directory and
// keeps dedup state in a journal next to them.
type fileStore struct {
	log logx.Logger
	dir string

	mu      sync.Mutex
	taskLog *os.File
	dedup   *dedupJournal
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	taskLog, err := os.OpenFile(filepath.Join(dir, taskLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	dedup, err := openDedupJournal(dir, log)
	if err != nil {
		_ = taskLog.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("dir", dir), logx.Int("dedup_keys", dedup.len()))
	return &fileStore{log: log, dir: dir, taskLog: taskLog, dedup: dedup}, nil
}

func (s *fileStore) AppendExecutionRecord(ctx context.Context, taskName, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line := "Task: " + taskName + " Status: " + status + "\n"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskLog == nil {
		return errClosed
	}
	_, err := s.taskLog.WriteString(line)
	return err
}

// WriteFailureReport replaces any earlier report for the task.
func (s *fileStore) WriteFailureReport(ctx context.Context, taskName, errDetail string, retries int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", taskName)
	fmt.Fprintf(&b, "Error: %s\n", errDetail)
	fmt.Fprintf(&b, "Retries: %d\n", retries)

	path := filepath.Join(s.dir, failureReportPrefix+reportFileName(taskName)+".txt")
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// reportFileName maps separators to '_' so any task name stays one path element.
func reportFileName(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", `\`, "_", ":", "_", "\x00", "_").Replace(name)
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key = strings.TrimSpace(key); key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup == nil {
		return errClosed
	}
	return s.dedup.put(key, until)
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	if key = strings.TrimSpace(key); key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup == nil {
		return time.Time{}, false, errClosed
	}
	until, ok := s.dedup.get(key)
	return until, ok, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.taskLog != nil {
		errs = append(errs, s.taskLog.Close())
		s.taskLog = nil
	}
	if s.dedup != nil {
		errs = append(errs, s.dedup.close())
		s.dedup = nil
	}
	return errors.Join(errs...)
}
