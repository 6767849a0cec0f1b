package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Notification struct {
	Channel  string // sender name, e.g. "telegram" or "log"
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Sender delivers a text message to one target.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Named is implemented by senders that report a channel name.
type Named interface {
	Name() string
}

// Channel returns s's channel name, or "unknown".
func Channel(s Sender) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return "unknown"
}
