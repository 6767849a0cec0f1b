package notifier

import (
	"context"
	"math/rand/v2"
	"time"

	"pewsched/internal/eventbus"
	logx "pewsched/pkg/logx"
)

const sendTimeout = 10 * time.Second

func (s *Service) workerLoop(ctx context.Context, queue <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-queue:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) persistLoop(ctx context.Context, writes <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-writes:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

// deliver sends one job with up to RetryMax retries, each gated by the
// rate limiter.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, limiter, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}
	text := priorityPrefix(j.n.Priority) + j.n.Text
	if text == "" {
		return
	}

	attempts := cfg.RetryMax + 1
	var err error
	for attempt := 1; ; attempt++ {
		if werr := limiter.Wait(ctx); werr != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err = sender.SendText(sctx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.history.add(text, time.Now())
			s.publish(eventbus.TypeNotifySent, j.n, j.dedupKey, "")
			return
		}
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		if !sleepCtx(ctx, sendBackoff(cfg, attempt)) {
			return
		}
	}
	s.log.Warn("notification dropped after retries", logx.String("channel", j.n.Channel), logx.Err(err))
	s.publish(eventbus.TypeNotifyFailed, j.n, j.dedupKey, err.Error())
}

func priorityPrefix(p int) string {
	switch {
	case p >= PriorityAlert:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}

// sendBackoff is RetryBase doubled per failed attempt, jittered to 70-130%,
// and capped at RetryMaxDelay.
func sendBackoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return min(d, cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
