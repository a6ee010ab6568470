package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Telegram sends through the Bot API. It never polls for updates.
type Telegram struct {
	bot *tele.Bot
}

// NewTelegram builds an offline bot client: no getMe call at startup, so a
// bad token only surfaces on the first send.
func NewTelegram(token string) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(token),
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) SendText(ctx context.Context, to Target, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: to.ChatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              to.ThreadID,
	})
	return err
}
