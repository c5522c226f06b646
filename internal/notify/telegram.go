// Package notify sends operator alerts when the approval gate holds
// new events. It degrades to a silent no-op when unconfigured, and its
// failures never affect a sync cycle.
package notify

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"doorsync/internal/approval"
)

// Notifier posts messages to a set of Telegram chats.
type Notifier struct {
	api     *tgbotapi.BotAPI
	chatIDs []int64
	logger  zerolog.Logger
}

// New creates a Notifier. An empty token or chat list yields a
// disabled notifier.
func New(token string, chatIDs []string, logger zerolog.Logger) *Notifier {
	n := &Notifier{logger: logger.With().Str("component", "notify").Logger()}

	if strings.TrimSpace(token) == "" || len(chatIDs) == 0 {
		return n
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		n.logger.Warn().Err(err).Msg("telegram init failed, notifications disabled")
		return n
	}
	n.api = api
	for _, raw := range chatIDs {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			n.logger.Warn().Str("chat_id", raw).Msg("ignoring invalid telegram chat id")
			continue
		}
		n.chatIDs = append(n.chatIDs, id)
	}
	return n
}

// Enabled reports whether messages will actually be sent.
func (n *Notifier) Enabled() bool { return n.api != nil && len(n.chatIDs) > 0 }

// FlaggedEvents sends one summary message for newly held events.
func (n *Notifier) FlaggedEvents(flagged []approval.PendingEntry) {
	if !n.Enabled() || len(flagged) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString("Door schedule approval required\n")
	for _, f := range flagged {
		fmt.Fprintf(&b, "\n%s\n  starts %s\n  %s\n", f.Name, f.StartAt.Format("2006-01-02 15:04 MST"), f.Reason)
	}

	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, b.String())
		if _, err := n.api.Send(msg); err != nil {
			n.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("telegram send failed")
		}
	}
}
