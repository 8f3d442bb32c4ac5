package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramBackend sends alerts to a single chat via the Telegram Bot API.
// The teacher's go.mod carries this dependency directly but no kept teacher
// file imports it; it is given a home here as the second notifier backend.
type TelegramBackend struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramBackend constructs a backend bound to one bot token and chat.
func NewTelegramBackend(token string, chatID int64) (*TelegramBackend, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot client: %w", err)
	}
	return &TelegramBackend{bot: bot, chatID: chatID}, nil
}

// Send delivers one alert as a chat message.
func (b *TelegramBackend) Send(alert Alert) error {
	text := fmt.Sprintf("[%s] %s\n%s", alert.Severity, alert.Title, alert.Message)
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram alert: %w", err)
	}
	return nil
}
