package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// TelegramAlerter delivers alerts to an operator chat
type TelegramAlerter struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramAlerter creates a telegram alert channel
func NewTelegramAlerter(token string, chatID int64) (*TelegramAlerter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	log.Info().
		Str("bot_username", bot.Self.UserName).
		Int64("chat_id", chatID).
		Msg("Telegram alerter initialized")

	return &TelegramAlerter{bot: bot, chatID: chatID}, nil
}

// Send delivers one alert message
func (t *TelegramAlerter) Send(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf("%s %s\n%s", severityEmoji(alert.Severity), alert.Title, alert.Message)
	for key, value := range alert.Metadata {
		text += fmt.Sprintf("\n%s: %v", key, value)
	}

	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram alert: %w", err)
	}
	return nil
}

// severityEmoji maps severity onto a message prefix
func severityEmoji(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🚨"
	case SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}
