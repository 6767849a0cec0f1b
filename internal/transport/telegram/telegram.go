// Package telegram delivers notifications through the Telegram Bot API
// using telebot. It only sends; updates are never polled.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "pewsched/internal/transport"
	logx "pewsched/pkg/logx"
)

const httpTimeout = 15 * time.Second

var errNoChat = errors.New("telegram: chat id is required")

type Config struct {
	Token string
	// APIURL points at a different Bot API server (tests, self-hosted API).
	APIURL string
	// Offline skips the getMe call in New.
	Offline bool
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot
}

var _ kit.Sender = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     strings.TrimSpace(cfg.APIURL),
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: httpTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{log: log, bot: bot}, nil
}

func (a *Adapter) Name() string { return "telegram" }

// SendText sends text as one or more messages and returns the reference of
// the first one. A failure mid-way stops at the failed chunk.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if to.ChatID == 0 {
		return kit.MessageRef{}, errNoChat
	}
	var so kit.SendOptions
	if opt != nil {
		so = *opt
	}
	send := &tele.SendOptions{
		ParseMode:             so.ParseMode,
		DisableWebPagePreview: so.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, so.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, send)
		if err != nil {
			a.logSendError(to, i, err)
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) logSendError(to kit.ChatTarget, chunk int, err error) {
	fields := []logx.Field{logx.Int64("chat_id", to.ChatID), logx.Int("chunk", chunk), logx.Err(err)}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		fields = append(fields, logx.Duration("retry_after", time.Duration(flood.RetryAfter)*time.Second))
	}
	a.log.Debug("telegram send failed", fields...)
}
