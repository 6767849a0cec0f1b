package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pewsched/pkg/logx"
)

func startDiag(t *testing.T, cfg Config, views map[string]View) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), views)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	return s
}

func get(t *testing.T, url string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServesViewsBehindToken(t *testing.T) {
	s := startDiag(t, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "tk"}, map[string]View{
		"scheduler": func() any { return map[string]int{"pending": 2} },
	})
	base := "http://" + s.Addr()

	assert.Equal(t, http.StatusUnauthorized, get(t, base+"/debug/scheduler", nil).StatusCode)

	resp := get(t, base+"/debug/scheduler", map[string]string{"Authorization": "Bearer tk"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body["pending"])

	assert.Equal(t, http.StatusOK, get(t, base+"/healthz?token=tk", nil).StatusCode)
	assert.Equal(t, http.StatusOK, get(t, base+"/debug/pprof/?token=tk", nil).StatusCode)
}

func TestReconfigureStopsServer(t *testing.T) {
	s := startDiag(t, Config{Enabled: true, Addr: "127.0.0.1:0"}, nil)
	s.Reconfigure(context.Background(), Config{})
	assert.Empty(t, s.Addr())
	assert.False(t, s.Enabled())
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"nonsense":       false,
	} {
		if got := IsLoopbackAddr(addr); got != want {
			t.Fatalf("IsLoopbackAddr(%q)=%v want %v", addr, got, want)
		}
	}
}
