package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// TelegramNotifier delivers alerts to a Telegram chat.
type TelegramNotifier struct {
	client *resty.Client
	token  string
	chatID string
}

// NewTelegramNotifier creates a notifier for the given bot token and chat.
func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		client: resty.New().SetTimeout(10 * time.Second),
		token:  token,
		chatID: chatID,
	}
}

// Send implements Notifier.
func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	emoji := "ℹ️"
	switch alert.Severity {
	case SeverityWarning:
		emoji = "⚠️"
	case SeverityCritical:
		emoji = "🚨"
	}
	text := fmt.Sprintf("%s *Grid Bot*\n\n%s", emoji, alert.Text)

	if alert.ImagePath != "" {
		return t.sendPhoto(ctx, text, alert.ImagePath)
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post(fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode())
	}
	return nil
}

func (t *TelegramNotifier) sendPhoto(ctx context.Context, caption, imagePath string) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetFile("photo", imagePath).
		SetFormData(map[string]string{
			"chat_id":    t.chatID,
			"caption":    caption,
			"parse_mode": "Markdown",
		}).
		Post(fmt.Sprintf("https://api.telegram.org/bot%s/sendPhoto", t.token))
	if err != nil {
		return fmt.Errorf("telegram send photo: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode())
	}
	return nil
}
