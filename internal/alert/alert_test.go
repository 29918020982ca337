package alert

import (
	"strings"
	"testing"
	"time"

	"tradewind/internal/domain"
)

func TestFormatOrderTerminal(t *testing.T) {
	got := Format(domain.Event{
		Kind:    domain.EventOrderTerminal,
		Symbol:  "BTC/USD",
		OrderID: "c-1",
		Status:  domain.OrderStatusFilled,
		At:      time.Now(),
	})
	for _, want := range []string{"BTC/USD", "c-1", "filled"} {
		if !strings.Contains(got, want) {
			t.Errorf("Format = %q, want it to contain %q", got, want)
		}
	}
}

func TestFormatStrategyError(t *testing.T) {
	got := Format(domain.Event{
		Kind:       domain.EventStrategyError,
		StrategyID: "mrat-1",
		Symbol:     "ETH/USD",
		Detail:     "panic: oops",
	})
	if !strings.Contains(got, "mrat-1") || !strings.Contains(got, "panic: oops") {
		t.Errorf("Format = %q, want strategy id and detail", got)
	}
}

type recordingNotifier struct {
	events []domain.Event
}

func (r *recordingNotifier) Notify(e domain.Event) { r.events = append(r.events, e) }

func TestFanoutDeliversToAll(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	f := Fanout{a, b}

	f.Notify(domain.Event{Kind: domain.EventDrift, Detail: "x"})
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("fanout delivered %d/%d events, want 1/1", len(a.events), len(b.events))
	}
}

func TestSinkNilNotifier(t *testing.T) {
	sink := Sink(nil)
	// Must not panic.
	sink(domain.Event{Kind: domain.EventDrift})
}
