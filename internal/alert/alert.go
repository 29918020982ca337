// Package alert delivers lifecycle notifications (terminal orders, drift
// corrections, strategy faults) to an outbound channel. Delivery is best
// effort: a notification failure never disturbs the trading path.
package alert

import (
	"fmt"
	"log/slog"

	"tradewind/internal/domain"
)

// Notifier delivers one event to a channel. Implementations swallow delivery
// errors after logging them.
type Notifier interface {
	Notify(event domain.Event)
}

// Compile-time interface check.
var _ Notifier = (*SlogNotifier)(nil)

// SlogNotifier writes events to the structured log. It is the fallback
// channel when no external notifier is configured.
type SlogNotifier struct {
	log *slog.Logger
}

// NewSlogNotifier creates a SlogNotifier.
func NewSlogNotifier(log *slog.Logger) *SlogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &SlogNotifier{log: log.With("component", "alert")}
}

// Notify logs the event.
func (n *SlogNotifier) Notify(event domain.Event) {
	n.log.Info("event",
		"kind", event.Kind, "strategy", event.StrategyID, "symbol", event.Symbol,
		"order", event.OrderID, "status", event.Status, "detail", event.Detail)
}

// Format renders an event as a human-readable notification message.
func Format(event domain.Event) string {
	switch event.Kind {
	case domain.EventOrderTerminal:
		msg := fmt.Sprintf("order %s %s: %s", event.Symbol, event.OrderID, event.Status)
		if event.Detail != "" {
			msg += " (" + event.Detail + ")"
		}
		return msg
	case domain.EventDrift:
		return "drift corrected: " + event.Detail
	case domain.EventStrategyError:
		return fmt.Sprintf("strategy %s failed on %s: %s", event.StrategyID, event.Symbol, event.Detail)
	}
	return fmt.Sprintf("%s: %s", event.Kind, event.Detail)
}
