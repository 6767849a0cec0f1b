package engine

import (
	"errors"
	"time"
)

// RetryPolicy decides whether a failed task is re-enqueued and when.
type RetryPolicy struct {
	MaxRetries int
	Unit       time.Duration
	Cap        time.Duration
}

// Delay returns min(2^(retryCount+1) * Unit, Cap).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.Unit
	for i := 0; i <= retryCount; i++ {
		d *= 2
		if d >= p.Cap || d <= 0 {
			return p.Cap
		}
	}
	return d
}

// ShouldRetry reports whether a task that failed with err after retryCount
// retries gets another attempt.
func (p RetryPolicy) ShouldRetry(retryCount int, err error) bool {
	if err == nil || IsNoRetry(err) {
		return false
	}
	return retryCount < p.MaxRetries
}

// Successor builds the retry entry for a failed task.
// Its due time is max(now, t.Due) + delay, so due times never decrease across retries.
func (p RetryPolicy) Successor(t Task, now time.Time, err error) Task {
	delay := p.Delay(t.RetryCount)
	var ra RetryAfterError
	if errors.As(err, &ra) {
		delay = ra.RetryAfter()
		if delay > p.Cap {
			delay = p.Cap
		}
	}
	from := now
	if t.Due.After(from) {
		from = t.Due
	}
	next := t
	next.ID = ""
	next.RetryCount = t.RetryCount + 1
	next.Due = from.Add(delay)
	next.rescheduled = false
	return next
}
