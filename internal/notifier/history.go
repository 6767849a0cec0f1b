package notifier

import (
	"sync"
	"time"
)

const historyLimit = 300

// history keeps the last historyLimit delivered messages.
type history struct {
	mu    sync.Mutex
	items []HistoryItem
}

func (h *history) add(text string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) == historyLimit {
		copy(h.items, h.items[1:])
		h.items = h.items[:historyLimit-1]
	}
	h.items = append(h.items, HistoryItem{At: at, Text: text})
}

func (h *history) list() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryItem, len(h.items))
	copy(out, h.items)
	return out
}
