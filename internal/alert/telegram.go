// Package alert delivers operator alerts produced by the log alert sink.
package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"mailsched/internal/errs"
)

const telegramTextLimit = 4096

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
	// URL overrides the Bot API endpoint. Empty means api.telegram.org.
	URL string
}

// Telegram posts alerts to one chat (and optional forum thread).
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: alert.telegram.token is empty", errs.ErrConfiguration)
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("%w: alert.telegram.chat_id is required", errs.ErrConfiguration)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	// Offline skips getMe; the bot is send-only and never polls.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

// SendAlert sends text, split into Telegram-sized chunks.
func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := t.bot.Send(t.chat, chunk, &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              t.threadID,
		})
		if err != nil {
			return errors.Join(errs.ErrTransport, err)
		}
	}
	return nil
}

// splitText cuts s into pieces of at most limit runes, preferring line breaks.
func splitText(s string, limit int) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []string
	r := []rune(s)
	for len(r) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if r[i] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimSpace(string(r[:cut])))
		r = r[cut:]
	}
	if rest := strings.TrimSpace(string(r)); rest != "" {
		out = append(out, rest)
	}
	return out
}
