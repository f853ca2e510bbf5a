// Package notify pushes trading alerts (detected opportunities, fills,
// emergency closes) to operator channels. Delivery is best-effort: alerts fan
// out to every configured sender, and the event filter decides which alert
// classes a deployment cares about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/willcroft/fundarb/internal/domain"
)

// Event classifies an alert. Filtering operates on these values, so they
// match the strings accepted in the notify.events config list.
type Event string

const (
	EventOpportunityDetected Event = "opportunity_detected"
	EventPositionOpened      Event = "position_opened"
	EventPositionClosed      Event = "position_closed"
	EventHedgeEmergency      Event = "hedge_emergency"
	EventError               Event = "error"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers an alert with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel in logs and errors (e.g. "telegram").
	Name() string
}

// Notifier fans alerts out to all senders, filtered by event. An empty filter
// allows every event.
type Notifier struct {
	senders []Sender
	events  map[Event]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. Only events
// named in the events list pass the filter; an empty list allows everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[Event]bool, len(events))
	for _, e := range events {
		allowed[Event(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers an alert to every sender when the event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event Event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", string(event)),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll delivers an alert to every sender regardless of event filtering.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch sends to every channel. Sender failures are joined and returned,
// but one failing channel never blocks delivery to the others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// FormatOpportunity renders a detected opportunity as an alert.
func FormatOpportunity(opp domain.Opportunity) (string, string) {
	title := "Opportunity: " + opp.Symbol
	message := fmt.Sprintf("long %s / short %s, %.6f per hour over %.0fh (%s, %s)",
		opp.LongVenue, opp.ShortVenue,
		opp.ProfitPerHour, opp.HorizonHours, opp.Strategy, opp.Regime)
	return title, message
}

// FormatPositionOpened renders a freshly opened paired position as an alert.
func FormatPositionOpened(pos domain.PairedPosition) (string, string) {
	title := "Opened: " + pos.Symbol
	message := fmt.Sprintf("long %s @ %.4f / short %s @ %.4f, size %v",
		pos.LongVenue, pos.EntryPriceLong,
		pos.ShortVenue, pos.EntryPriceShort, pos.Size)
	return title, message
}

// FormatPositionClosed renders a close outcome as an alert. Emergency closes
// get a distinct title so they stand out in the channel history.
func FormatPositionClosed(reason string, closed domain.ClosedPosition) (string, string) {
	title := "Closed: " + closed.Position.Symbol
	if closed.Emergency {
		title = "Emergency close: " + closed.Position.Symbol
	}
	message := fmt.Sprintf("%s, realized %.6f (price %.6f, funding %.6f)",
		reason, closed.RealizedPnL, closed.PricePnL, closed.FundingPnL)
	return title, message
}
