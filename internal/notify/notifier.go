// Package notify forwards exchange events to operator chat channels
// (Telegram, Discord). Events can be filtered by type.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

const sendAttempts = 3

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify only
// forwards event types in the allowed set; an empty set allows all.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	retry   backoff.Backoff
	logger  *slog.Logger
}

func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		retry:   backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2},
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends to all senders if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "notifier: event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll bypasses the event filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// Run relays exchange events from bus until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, bus domain.SignalBus) error {
	msgs, err := bus.Subscribe(ctx, domain.ChannelExchangeEvents)
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			var ev domain.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				n.logger.WarnContext(ctx, "notifier: undecodable event", slog.String("error", err.Error()))
				continue
			}
			title, message := Format(ev)
			if err := n.Notify(ctx, string(ev.Type), title, message); err != nil {
				n.logger.WarnContext(ctx, "notifier: delivery failed",
					slog.String("event", string(ev.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// dispatch sends to every sender; one failing sender does not stop the
// others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := n.sendWithRetry(ctx, s, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notifier: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notifier: notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func (n *Notifier) sendWithRetry(ctx context.Context, s Sender, title, message string) error {
	b := n.retry
	var err error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if err = s.Send(ctx, title, message); err == nil || !retryable(err) {
			return err
		}
		if attempt == sendAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return err
}

// statusError is returned by senders for non-2xx responses.
type statusError struct {
	sender string
	code   int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.sender, e.code, e.body)
}

// retryable reports whether a send failure may succeed on retry: transport
// errors, 429 and 5xx.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == 429 || se.code >= 500
	}
	return !errors.Is(err, context.Canceled)
}
