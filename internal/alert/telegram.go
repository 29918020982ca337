package alert

import (
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"tradewind/internal/domain"
)

// Compile-time interface check.
var _ Notifier = (*TelegramNotifier)(nil)

// TelegramNotifier posts events to a Telegram chat through the bot API.
type TelegramNotifier struct {
	client *resty.Client
	chatID string
	log    *slog.Logger
}

// NewTelegramNotifier creates a TelegramNotifier for the given bot token and
// chat id.
func NewTelegramNotifier(token, chatID string, log *slog.Logger) *TelegramNotifier {
	if log == nil {
		log = slog.Default()
	}
	client := resty.New()
	client.SetBaseURL("https://api.telegram.org/bot" + token)
	client.SetTimeout(10 * time.Second)

	return &TelegramNotifier{
		client: client,
		chatID: chatID,
		log:    log.With("component", "alert"),
	}
}

// Notify sends the event as a message. Delivery errors are logged and
// swallowed.
func (n *TelegramNotifier) Notify(event domain.Event) {
	resp, err := n.client.R().
		SetFormData(map[string]string{
			"chat_id": n.chatID,
			"text":    Format(event),
		}).
		Post("/sendMessage")
	if err != nil {
		n.log.Error("telegram delivery failed", "err", err)
		return
	}
	if resp.IsError() {
		n.log.Error("telegram delivery rejected",
			"status", resp.StatusCode(), "body", string(resp.Body()))
	}
}

// Fanout duplicates every event to multiple notifiers.
type Fanout []Notifier

// Notify delivers the event to every member.
func (f Fanout) Notify(event domain.Event) {
	for _, n := range f {
		n.Notify(event)
	}
}

// Sink adapts a Notifier into the event callback the engine components take.
func Sink(n Notifier) func(domain.Event) {
	if n == nil {
		return func(domain.Event) {}
	}
	return n.Notify
}
