// Package notify sends the one fire-and-forget alert SPEC_FULL.md keeps
// in scope: a Telegram message when a force-unsubscribe cleanup step
// fails. It is grounded on the teacher's bot/telegram.go NewTelegramBot
// constructor and send helper, trimmed from a full command bot down to a
// single outbound message path — nothing here reads updates or handles
// commands.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Notifier sends best-effort operator alerts. A nil *Notifier is valid
// and every method on it is a no-op, so callers need not branch on
// whether Telegram was configured.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// New builds a Notifier, or returns (nil, nil) when token is empty —
// Telegram alerting is optional, per spec §6/§9.
func New(token string, chatID int64) (*Notifier, error) {
	if token == "" {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to create telegram bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("notify: telegram bot initialized")
	return &Notifier{api: api, chatID: chatID}, nil
}

// CleanupFailure alerts that a force-unsubscribe step failed for a
// strategy_account.
func (n *Notifier) CleanupFailure(strategyAccountID uint, step, reason string) {
	n.send(fmt.Sprintf("⚠️ force-unsubscribe cleanup failed\nstrategy_account: %d\nstep: %s\nreason: %s", strategyAccountID, step, reason))
}

func (n *Notifier) send(text string) {
	if n == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("notify: failed to send telegram message")
	}
}
