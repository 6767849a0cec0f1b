package invoker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewsched/internal/task/engine"
	logx "pewsched/pkg/logx"
)

type request struct {
	path   string
	body   string
	header http.Header
}

type recorder struct {
	mu   sync.Mutex
	reqs []request
}

func (r *recorder) last() request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[len(r.reqs)-1]
}

func newServer(t *testing.T, status int, header map[string]string) (*HTTP, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		rec.mu.Lock()
		rec.reqs = append(rec.reqs, request{path: req.URL.Path, body: string(b), header: req.Header.Clone()})
		rec.mu.Unlock()
		for k, v := range header {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}))
	t.Cleanup(srv.Close)

	h, err := New(Config{BaseURL: srv.URL + "/api/", Headers: map[string]string{"X-Token": "s3cret"}}, logx.Nop())
	require.NoError(t, err)
	return h, rec
}

func TestInvokeSuccess(t *testing.T) {
	h, rec := newServer(t, http.StatusNoContent, nil)

	require.NoError(t, h.Invoke(context.Background(), "/backup/run", []byte(`{"full":true}`)))
	got := rec.last()
	assert.Equal(t, "/api/backup/run", got.path)
	assert.Equal(t, `{"full":true}`, got.body)
	assert.Equal(t, "s3cret", got.header.Get("X-Token"))
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
}

func TestTriggerEvent(t *testing.T) {
	h, rec := newServer(t, http.StatusOK, nil)

	require.NoError(t, h.TriggerEvent(context.Background(), "nightly export"))
	got := rec.last()
	assert.Equal(t, "/api/events/nightly export", got.path)
	assert.JSONEq(t, `{"event":"nightly export"}`, got.body)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     map[string]string
		noRetry    bool
		retryAfter time.Duration
	}{
		{name: "bad request", status: http.StatusBadRequest, noRetry: true},
		{name: "not found", status: http.StatusNotFound, noRetry: true},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "throttled", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "7"}, retryAfter: 7 * time.Second},
		{name: "unavailable without hint", status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newServer(t, tt.status, tt.header)
			err := h.Invoke(context.Background(), "x", nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "nope")
			assert.Equal(t, tt.noRetry, engine.IsNoRetry(err))

			var ra engine.RetryAfterError
			if tt.retryAfter > 0 {
				require.True(t, errors.As(err, &ra))
				assert.Equal(t, tt.retryAfter, ra.RetryAfter())
			} else {
				assert.False(t, errors.As(err, &ra))
			}
		})
	}
}

func TestRejectsBadEndpoints(t *testing.T) {
	h, _ := newServer(t, http.StatusOK, nil)
	assert.True(t, engine.IsNoRetry(h.Invoke(context.Background(), "  ", nil)))
	assert.True(t, engine.IsNoRetry(h.Invoke(context.Background(), "http://elsewhere/x", nil)))

	_, err := New(Config{}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "ftp://host"}, logx.Nop())
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	d, ok := parseRetryAfter("120", now)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Minute, d)

	d, ok = parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	_, ok = parseRetryAfter("soon", now)
	assert.False(t, ok)
	_, ok = parseRetryAfter("-1", now)
	assert.False(t, ok)
}
