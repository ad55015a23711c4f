// Package notify alerts operators about challenge outcomes over Telegram and
// Discord. Events can be filtered so each deployment only hears what it
// cares about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// Event types.
const (
	EventPhaseTransition = "phase_transition"
	EventAccountFailed   = "account_failed"
	EventViolation       = "violation"
	EventPendingConflict = "pending_conflict"
)

// Sender delivers one message on one channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans notifications out to every Sender. Notify drops events not
// in the allowed set; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for the given senders and allowed events.
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
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends a message if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "notifier: event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyPass turns a pass result into notifications: one for a transition
// (or failure), one per violation, one if records were held pending.
func (n *Notifier) NotifyPass(ctx context.Context, res domain.PassResult) error {
	var errs []error

	if tr := res.Transition; tr != nil {
		event := EventPhaseTransition
		title := fmt.Sprintf("Account %s: %s → %s", res.AccountID, tr.From, tr.To)
		if tr.To == domain.PhaseFailed {
			event = EventAccountFailed
			title = fmt.Sprintf("Account %s FAILED", res.AccountID)
		}
		msg := fmt.Sprintf("%s\nbalance %s, at %s", tr.Reason,
			res.PhaseState.CurrentBalance.StringFixed(2), tr.At.UTC().Format("2006-01-02 15:04:05 MST"))
		errs = append(errs, n.Notify(ctx, event, title, msg))
	}

	for _, v := range res.Violations {
		title := fmt.Sprintf("Account %s: %s", res.AccountID, v.Kind)
		msg := fmt.Sprintf("phase %s, day %s: observed %s, limit %s", v.Phase, v.TradingDay,
			v.Observed.StringFixed(2), v.Threshold.StringFixed(2))
		if v.Detail != "" {
			msg += "\n" + v.Detail
		}
		errs = append(errs, n.Notify(ctx, EventViolation, title, msg))
	}

	if res.Pending > 0 {
		title := fmt.Sprintf("Account %s: %d record(s) need review", res.AccountID, res.Pending)
		errs = append(errs, n.Notify(ctx, EventPendingConflict, title, strings.Join(res.Diagnostics, "\n")))
	}
	return errors.Join(errs...)
}

// dispatch delivers to every sender; one failing sender does not stop the
// others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notifier: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notifier: sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
