// Package notify drains the alert queue and pushes pending alerts to users
// over an external channel. Delivery is at-most-effort: a failed push stays
// queued for the next sweep, and a crash between push and mark-delivered can
// repeat an alert.
package notify

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ecotrails/insight-gateway/internal/alert"
)

// Sender pushes one rendered alert message to a user.
type Sender interface {
	Name() string
	Send(userID, message string) error
}

// TelegramBot is the slice of the bot API the sender uses.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender delivers alerts as Telegram messages. Users map to chat IDs
// at wiring time; an unmapped user is a delivery error, not a silent drop.
type TelegramSender struct {
	bot   TelegramBot
	chats map[string]int64
}

// NewTelegramSender authorizes a bot for the given token.
func NewTelegramSender(token string, chats map[string]int64) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	slog.Info("telegram sender ready", "bot", bot.Self.UserName, "mapped_users", len(chats))
	return NewTelegramSenderWithBot(bot, chats), nil
}

// NewTelegramSenderWithBot wires a sender over an existing bot. Tests use it
// with a fake.
func NewTelegramSenderWithBot(bot TelegramBot, chats map[string]int64) *TelegramSender {
	return &TelegramSender{bot: bot, chats: chats}
}

func (t *TelegramSender) Name() string { return "telegram" }

func (t *TelegramSender) Send(userID, message string) error {
	chatID, ok := t.chats[userID]
	if !ok {
		return fmt.Errorf("no telegram chat mapped for user %s", userID)
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, message)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// LogSender is the fallback channel when no push channel is configured:
// alerts land in the process log and count as delivered.
type LogSender struct{}

func (LogSender) Name() string { return "log" }

func (LogSender) Send(userID, message string) error {
	slog.Info("alert delivery", "user_id", userID, "message", message)
	return nil
}

// Render formats an alert for delivery.
func Render(a alert.Alert) string {
	return fmt.Sprintf("[%s] %s", a.Urgency, a.Message)
}
