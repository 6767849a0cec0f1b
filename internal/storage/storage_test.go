package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pewsched/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}

	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestFileStoreFormats(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, st.AppendExecutionRecord(ctx, "backup", "completed"))
	require.NoError(t, st.AppendExecutionRecord(ctx, "export", "failed"))
	require.NoError(t, st.WriteFailureReport(ctx, "export", "connection refused", 2))
	require.NoError(t, st.WriteFailureReport(ctx, "export", "timeout", 3))
	require.NoError(t, st.Close())

	log, err := os.ReadFile(filepath.Join(dir, "task_log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Task: backup Status: completed\nTask: export Status: failed\n", string(log))

	report, err := os.ReadFile(filepath.Join(dir, "failure_report_export.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Task: export\nError: timeout\nRetries: 3\n", string(report))
}

func TestFileStoreAppendsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
		require.NoError(t, err)
		require.NoError(t, st.AppendExecutionRecord(context.Background(), "tick", "completed"))
		require.NoError(t, st.Close())
	}
	log, err := os.ReadFile(filepath.Join(dir, "task_log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Task: tick Status: completed\nTask: tick Status: completed\n", string(log))
}

func TestFailureReportNameIsOnePathElement(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.WriteFailureReport(context.Background(), "ExternalAPI_/hooks/a", "boom", 3))
	_, err = os.Stat(filepath.Join(dir, "failure_report_ExternalAPI__hooks_a.txt"))
	assert.NoError(t, err)
}

func TestFileStoreDedupSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.PutDedup(ctx, "k1", until))
	require.NoError(t, st.PutDedup(ctx, "expired", time.Now().Add(-time.Hour)))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, ok, err := st.GetDedup(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(until))

	_, ok, err = st.GetDedup(ctx, "expired")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "pewsched.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.AppendExecutionRecord(ctx, "backup", "failed"))
	require.NoError(t, st.AppendExecutionRecord(ctx, "backup", "completed"))
	require.NoError(t, st.WriteFailureReport(ctx, "export", "first", 1))
	require.NoError(t, st.WriteFailureReport(ctx, "export", "second", 3))

	sq := st.(*sqliteStore)
	recs, err := sq.executionRecords(ctx, "backup")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "failed", recs[0].Status)
	assert.Equal(t, "completed", recs[1].Status)

	rep, ok, err := sq.failureReport(ctx, "export")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", rep.Error)
	assert.Equal(t, 3, rep.Retries)

	_, ok, err = sq.failureReport(ctx, "backup")
	require.NoError(t, err)
	assert.False(t, ok)

	until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, st.PutDedup(ctx, "key", until))
	got, ok, err := st.GetDedup(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(until))
}

func TestOpenUnknownDriverListsSupported(t *testing.T) {
	_, err := Open(Config{Driver: "Mongo"}, logx.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file, sqlite, sqlite3")
}

func TestSQLiteReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pewsched.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendExecutionRecord(ctx, "tick", "completed"))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "sqlite3", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	var version int
	require.NoError(t, st.(*sqliteStore).db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version))
	assert.Equal(t, schemaVersion, version)

	recs, err := st.(*sqliteStore).executionRecords(ctx, "tick")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestDedupJournalCompacts(t *testing.T) {
	dir := t.TempDir()
	d, err := openDedupJournal(dir, logx.Nop())
	require.NoError(t, err)

	until := time.Now().Add(time.Hour)
	for i := 0; i < dedupCompactEvery; i++ {
		require.NoError(t, d.put("k", until))
	}
	require.NoError(t, d.close())

	info, err := os.Stat(filepath.Join(dir, dedupJournalName))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	d, err = openDedupJournal(dir, logx.Nop())
	require.NoError(t, err)
	defer d.close()
	_, ok := d.get("k")
	assert.True(t, ok)
}
