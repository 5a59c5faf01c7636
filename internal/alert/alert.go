// Package alert pushes operator-facing failure notices to a Telegram chat.
// Sends are best-effort: an alert failure never affects job state.
package alert

import (
	"fmt"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"

	"cellarsight/pkg/logx"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64
}

type Notifier struct {
	log  logx.Logger
	bot  *tele.Bot
	chat *tele.Chat
}

// New builds the notifier. A misconfigured or unreachable bot degrades to a
// disabled notifier rather than failing startup.
func New(cfg Config, log logx.Logger) *Notifier {
	n := &Notifier{log: log}
	if !cfg.Enabled || cfg.Token == "" || cfg.ChatID == 0 {
		return n
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		if !log.IsZero() {
			log.Warn("alert bot init failed; alerts disabled", logx.Any("err", err))
		}
		return n
	}
	n.bot = b
	n.chat = &tele.Chat{ID: cfg.ChatID}
	return n
}

func (n *Notifier) Enabled() bool { return n != nil && n.bot != nil }

// JobFailed reports a heavyweight job failure. Fire-and-forget.
func (n *Notifier) JobFailed(jobType string, took time.Duration, jobErr error) {
	n.send(fmt.Sprintf("job %s failed after %s: %v", jobType, took.Round(time.Second), jobErr))
}

// StoreDown reports a storage connect failure that persisted past a tick.
func (n *Notifier) StoreDown(err error) {
	n.send(fmt.Sprintf("storage unavailable: %v", err))
}

func (n *Notifier) send(text string) {
	if !n.Enabled() {
		return
	}
	go func() {
		if _, err := n.bot.Send(n.chat, text); err != nil && !n.log.IsZero() {
			n.log.Warn("alert send failed", logx.Any("err", err))
		}
	}()
}
