// Package notify forwards mirror activity and lifecycle alerts to chat
// channels (Telegram, Discord). Activity events are filtered by kind so
// operators receive only the alerts they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches to every registered Sender.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Only activity kinds listed in events are
// forwarded by Record; an empty list forwards every kind.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is registered.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Record implements domain.ActivitySink.
func (n *Notifier) Record(ctx context.Context, ev domain.ActivityEvent) error {
	if len(n.events) > 0 && !n.events[string(ev.Kind)] {
		return nil
	}
	title, message := formatActivity(ev)
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a lifecycle alert regardless of the event filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch delivers to every sender; one failing sender does not stop the
// others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notify: sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func formatActivity(ev domain.ActivityEvent) (string, string) {
	trader := ev.Fill.TraderName
	if trader == "" {
		trader = ev.Fill.Wallet
	}
	title := fmt.Sprintf("%s %s", strings.ToUpper(strings.ReplaceAll(string(ev.Kind), "_", " ")), trader)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %.2f @ %.3f", ev.Fill.Side, ev.Fill.Size, ev.Fill.Price)
	if ev.Fill.Title != "" {
		fmt.Fprintf(&b, " in %s", ev.Fill.Title)
		if ev.Fill.Outcome != "" {
			fmt.Fprintf(&b, " (%s)", ev.Fill.Outcome)
		}
	}
	if ev.MirrorUSD > 0 {
		fmt.Fprintf(&b, "\nmirror: %.2f shares / $%.2f", ev.MirrorShares, ev.MirrorUSD)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", ev.Reason)
	}
	if ev.OrderID != "" {
		fmt.Fprintf(&b, "\norder: %s (%s)", ev.OrderID, ev.OrderStatus)
	}
	if ev.Note != "" {
		fmt.Fprintf(&b, "\nnote: %s", ev.Note)
	}
	return title, b.String()
}

var _ domain.ActivitySink = (*Notifier)(nil)
