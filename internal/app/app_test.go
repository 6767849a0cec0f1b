package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewsched/internal/config"
	"pewsched/internal/task/engine"
)

func intPtr(v int) *int { return &v }

func TestMapEngineConfigRetryMax(t *testing.T) {
	tests := []struct {
		name string
		raw  *int
		want int
	}{
		{"omitted keeps default", nil, 0},
		{"explicit zero disables", intPtr(0), -1},
		{"explicit value", intPtr(5), 5},
	}
	for _, tt := range tests {
		got, err := mapEngineConfig(&config.Config{Scheduler: config.SchedulerConfig{RetryMax: tt.raw}})
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got.MaxRetries != tt.want {
			t.Fatalf("%s: MaxRetries=%d want %d", tt.name, got.MaxRetries, tt.want)
		}
	}

	if _, err := mapEngineConfig(&config.Config{Scheduler: config.SchedulerConfig{RetryMax: intPtr(-2)}}); err == nil {
		t.Fatal("expected error for negative retry_max")
	}

	got, err := mapEngineConfig(&config.Config{Scheduler: config.SchedulerConfig{BackoffUnit: "2s", BackoffCap: "1m"}})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, got.BackoffUnit)
	assert.Equal(t, time.Minute, got.BackoffCap)
	assert.Equal(t, 3, got.Policy().MaxRetries)
}

func TestMapNotifierConfig(t *testing.T) {
	ncfg, err := mapNotifierConfig(&config.Config{})
	require.NoError(t, err)
	assert.True(t, ncfg.Enabled)

	ncfg, err = mapNotifierConfig(&config.Config{
		Notifier: &config.NotifierConfig{Enabled: true, RetryBase: "250ms", DedupWindow: "1m"},
		Telegram: &config.TelegramConfig{Token: "t", ChatID: 10, ThreadID: 3, AdminChatID: 20},
	})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, ncfg.RetryBase)
	assert.Equal(t, time.Minute, ncfg.DedupWindow)
	assert.Equal(t, int64(10), ncfg.Target.ChatID)
	assert.Equal(t, 3, ncfg.Target.ThreadID)
	assert.Equal(t, int64(20), ncfg.AdminTarget.ChatID)

	_, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Workers: -1}})
	assert.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	_, enabled, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, enabled)

	sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}})
	assert.Error(t, err)
}

func TestMapJobs(t *testing.T) {
	specs, err := mapJobs(&config.Config{Jobs: []config.JobConfig{
		{Name: " report ", At: "2025-06-01T09:00:00Z", Endpoint: "/r", Timeout: "5s", DependsOn: []string{"backup"}},
		{Name: "backup", Schedule: "monthly: 31 02:00", Action: "event", Event: "backup"},
	}})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "report", specs[0].Name)
	assert.Equal(t, time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), specs[0].At.UTC())
	assert.Equal(t, 5*time.Second, specs[0].Timeout)
	assert.Equal(t, "monthly: 31 02:00", specs[1].Schedule)

	_, err = mapJobs(&config.Config{Jobs: []config.JobConfig{{Name: "x", At: "noon"}}})
	assert.Error(t, err)
}

func TestValidateRuntimeRejectsBadCron(t *testing.T) {
	cfg := &config.Config{
		Invoker: &config.InvokerConfig{BaseURL: "http://localhost"},
		Jobs:    []config.JobConfig{{Name: "x", Schedule: "99 * * * *", Endpoint: "/x"}},
	}
	assert.Error(t, validateRuntime(cfg))

	cfg.Jobs[0].Schedule = "*/5 * * * *"
	assert.NoError(t, validateRuntime(cfg))
}

func writeAppConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "pewsched.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestAppRunsConfiguredJob(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hooks/ping" {
			hits.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	reports := filepath.Join(dir, "reports")
	at := time.Now().Add(200 * time.Millisecond).UTC().Format(time.RFC3339Nano)
	path := writeAppConfig(t, dir, fmt.Sprintf(`{
  "logging": {"level": "error", "console": true},
  "scheduler": {"retry_max": 0, "drain_timeout": "2s"},
  "storage": {"driver": "file", "path": %q},
  "invoker": {"base_url": %q},
  "jobs": [{"name": "ping", "at": %q, "endpoint": "/hooks/ping"}]
}`, reports, srv.URL, at))

	a, err := New(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(filepath.Join(reports, "task_log.txt"))
		return strings.Contains(string(b), "Task: ping Status: completed\n")
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestAppHotReloadSyncsJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	body := func(jobs string) string {
		return fmt.Sprintf(`{"logging": {"level": "error", "console": true}, "invoker": {"base_url": %q}, "jobs": [%s]}`, srv.URL, jobs)
	}
	path := writeAppConfig(t, dir, body(`{"name": "a", "schedule": "1h", "endpoint": "/a"}`))

	a, err := New(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	}()
	assert.Equal(t, []string{"a"}, a.Scheduler().Snapshot().Jobs)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(body(`{"name": "b", "schedule": "1h", "endpoint": "/b", "depends_on": ["a"]}`)), 0o644))

	require.Eventually(t, func() bool {
		jobs := a.Scheduler().Snapshot().Jobs
		return len(jobs) == 1 && jobs[0] == "b"
	}, 3*time.Second, 20*time.Millisecond)

	var names []string
	for _, ti := range a.Scheduler().Pending() {
		names = append(names, ti.Name)
	}
	assert.Equal(t, []string{"b"}, names)
	assert.Equal(t, engine.PriorityMedium, a.Scheduler().Pending()[0].Priority)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := New(writeAppConfig(t, dir, `{"scheduler": {"backoff_unit": "soon"}}`))
	assert.Error(t, err)

	_, err = New(writeAppConfig(t, dir, `{"invoker": {"base_url": "http://x"}, "jobs": [{"name": "x", "schedule": "99 * * * *", "endpoint": "/x"}]}`))
	assert.Error(t, err)

	_, err = New(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestMapDiagConfig(t *testing.T) {
	dc, err := mapDiagConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, dc.Enabled)

	dc, err = mapDiagConfig(&config.Config{Diagnostics: &config.DiagnosticsConfig{Enabled: true}})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6060", dc.Addr)
	assert.Equal(t, 5*time.Second, dc.ReadTimeout)

	_, err = mapDiagConfig(&config.Config{Diagnostics: &config.DiagnosticsConfig{Enabled: true, Addr: "0.0.0.0:6060"}})
	assert.Error(t, err)

	_, err = mapDiagConfig(&config.Config{Diagnostics: &config.DiagnosticsConfig{Enabled: true, Addr: "0.0.0.0:6060", Token: "t"}})
	assert.NoError(t, err)
}
