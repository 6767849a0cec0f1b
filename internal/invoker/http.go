// Package invoker performs the network side of API and event tasks.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pewsched/internal/task/engine"
	logx "pewsched/pkg/logx"
)

type Config struct {
	BaseURL string
	// EventsPath is joined with the event name, e.g. "/events" -> "/events/deploy".
	EventsPath string
	Timeout    time.Duration
	Headers    map[string]string
}

// HTTP posts task payloads to a base URL.
//
// 2xx is success. 429 and 503 are retried, honouring Retry-After. Other 4xx
// responses are permanent and skip the retry budget.
type HTTP struct {
	cfg    Config
	base   *url.URL
	client *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*HTTP, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("invoker.base_url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invoker.base_url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invoker.base_url: unsupported scheme %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if strings.TrimSpace(cfg.EventsPath) == "" {
		cfg.EventsPath = "/events"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTP{cfg: cfg, base: base, client: &http.Client{Timeout: cfg.Timeout}, log: log}, nil
}

// Invoke POSTs payload to endpoint, resolved against the base URL.
func (h *HTTP) Invoke(ctx context.Context, endpoint string, payload []byte) error {
	return h.post(ctx, endpoint, payload)
}

// TriggerEvent POSTs {"event": name} to <EventsPath>/<name>.
func (h *HTTP) TriggerEvent(ctx context.Context, name string) error {
	body, err := json.Marshal(map[string]string{"event": name})
	if err != nil {
		return engine.NoRetry(err)
	}
	return h.post(ctx, strings.TrimRight(h.cfg.EventsPath, "/")+"/"+url.PathEscape(name), body)
}

func (h *HTTP) post(ctx context.Context, endpoint string, body []byte) error {
	target, err := h.resolve(endpoint)
	if err != nil {
		return engine.NoRetry(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return engine.NoRetry(err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	h.log.Debug("invoke", logx.String("url", target), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))
	return classify(endpoint, resp, snippet)
}

func (h *HTTP) resolve(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errors.New("endpoint is empty")
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("endpoint %q: %w", endpoint, err)
	}
	if ref.IsAbs() {
		return "", fmt.Errorf("endpoint %q must be relative to the base url", endpoint)
	}
	u := *h.base
	u.Path = strings.TrimRight(h.base.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

func classify(endpoint string, resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("post %s: http %d: %s", endpoint, code, strings.TrimSpace(string(body)))
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return engine.RetryAfter(err, d)
		}
		return err
	case code >= 400 && code < 500:
		return engine.NoRetry(err)
	default:
		return err
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
