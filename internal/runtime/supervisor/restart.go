package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "pewsched/pkg/logx"
)

// A run that lasted this long before failing restarts from the minimum backoff.
const healthyRun = 30 * time.Second

var errExited = errors.New("exited")

type restartPolicy struct {
	min, max        time.Duration
	maxRestarts     int // <= 0 means unlimited
	restartOnReturn bool
	publishFirstErr bool
}

type RestartOption func(*restartPolicy)

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run does not count.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = n }
}

// WithPublishFirstError records the first failure in Err even when the
// loop later recovers.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirstErr = enabled }
}

// WithRestartOnReturn treats a nil return as a failure, for loops that
// must never exit on their own.
func WithRestartOnReturn(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.restartOnReturn = enabled }
}

// GoRestart runs fn until it returns nil or the context is cancelled,
// restarting it with jittered exponential backoff after errors and panics.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, opt := range opts {
		opt(&p)
	}
	p.max = max(p.max, p.min)

	s.Go0(name+".restart", func(ctx context.Context) {
		delay := p.min
		for n := 1; ctx.Err() == nil; n++ {
			began := time.Now()
			err := s.call(name, ctx, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if !p.restartOnReturn {
					return
				}
				err = errExited
			}

			wrapped := fmt.Errorf("%s: %w", name, err)
			if p.publishFirstErr {
				s.record(wrapped)
			}
			if p.maxRestarts > 0 && n > p.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", n-1), logx.Err(err))
				s.record(wrapped)
				return
			}
			s.restarts.Add(1)

			if time.Since(began) >= healthyRun {
				delay = p.min
			}
			wait := jitter(delay)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			delay = min(delay*2, p.max)
		}
	})
}

// jitter adds up to 20% to d.
func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		return d + time.Duration(rand.Int64N(j+1))
	}
	return d
}
