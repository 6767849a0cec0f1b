package notifier

import (
	"encoding/binary"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	kit "pewsched/internal/transport"
)

// dedupKey identifies a message by channel, target, priority and text.
// It is empty when the channel is unknown, which disables dedup.
func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	var buf [20]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(n.Target.ChatID))
	binary.LittleEndian.PutUint64(buf[8:], uint64(n.Target.ThreadID))
	binary.LittleEndian.PutUint32(buf[16:], uint32(n.Priority))

	h := fnv.New64a()
	h.Write([]byte(n.Channel))
	h.Write(buf[:])
	h.Write([]byte(n.Text))
	return strconv.FormatUint(h.Sum64(), 16)
}

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupCache maps keys to suppress-until times, bounded by an entry limit.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache() *dedupCache { return &dedupCache{until: map[string]time.Time{}} }

func (c *dedupCache) suppressed(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.until[key]
	return ok && now.Before(u)
}

// mark records key until the given time, dropping expired entries and then
// the soonest-expiring ones while over limit.
func (c *dedupCache) mark(key string, until, now time.Time, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[key] = until
	for k, u := range c.until {
		if !now.Before(u) {
			delete(c.until, k)
		}
	}
	for limit > 0 && len(c.until) > limit {
		victim, soonest := "", time.Time{}
		for k, u := range c.until {
			if victim == "" || u.Before(soonest) {
				victim, soonest = k, u
			}
		}
		delete(c.until, victim)
	}
}
