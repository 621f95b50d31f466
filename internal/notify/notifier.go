// Package notify delivers operator alerts about scanner events to one
// or more channels (Telegram, Discord). Events are filtered by type so
// operators only receive the alerts they asked for.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/marcusholm/polyscan/internal/domain"
)

// Event types the notifier understands. The config's notify.events list
// selects which of these are forwarded.
const (
	EventOpportunity = "opportunity"
	EventExecution   = "execution"
	EventMonitorDown = "monitor_down"
	EventScanError   = "scan_error"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an event out to every registered sender. A failing
// sender is logged and skipped; it never blocks delivery to the others.
type Notifier struct {
	senders []Sender
	events  map[string]bool // empty set means everything passes
	logger  *slog.Logger
}

// NewNotifier builds a Notifier delivering to senders. Only events
// named in events are forwarded; an empty list allows all of them.
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

// Notify delivers one event to every sender, subject to the event
// filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// MatchesFound formats and delivers an opportunity alert. It satisfies
// the scanner's and monitor's notifier interfaces.
func (n *Notifier) MatchesFound(ctx context.Context, matches []domain.StrategyMatch) {
	if len(matches) == 0 {
		return
	}
	title := fmt.Sprintf("%d opportunit%s found", len(matches), plural(len(matches), "y", "ies"))

	var b strings.Builder
	shown := matches
	if len(shown) > 5 {
		shown = shown[:5]
	}
	for i := range shown {
		m := &shown[i]
		fmt.Fprintf(&b, "%s [%s] %s\nest. profit $%.2f (sum %.4f, %s)\n",
			m.Strategy, m.Confidence, truncate(m.Question, 80), m.EstimatedProfit, m.PriceSum, m.Source)
	}
	if len(matches) > len(shown) {
		fmt.Fprintf(&b, "... and %d more", len(matches)-len(shown))
	}

	if err := n.Notify(ctx, EventOpportunity, title, b.String()); err != nil {
		n.logger.WarnContext(ctx, "opportunity alert failed", slog.String("error", err.Error()))
	}
}

// ExecutionDone delivers the outcome of one execution attempt.
func (n *Notifier) ExecutionDone(ctx context.Context, exec domain.Execution) {
	verdict := "FAILED"
	if exec.Success {
		verdict = "OK"
	}
	title := fmt.Sprintf("Execution %s: %s", verdict, exec.Strategy)
	msg := fmt.Sprintf("match %s profit $%.2f simulated=%t", exec.MatchID, exec.Profit, exec.Simulated)
	if exec.Error != "" {
		msg += "\nerror: " + exec.Error
	}
	if err := n.Notify(ctx, EventExecution, title, msg); err != nil {
		n.logger.WarnContext(ctx, "execution alert failed", slog.String("error", err.Error()))
	}
}

// MonitorDown alerts that the realtime monitor gave up reconnecting.
func (n *Notifier) MonitorDown(ctx context.Context, cause string) {
	if err := n.Notify(ctx, EventMonitorDown, "Realtime monitor stopped", cause); err != nil {
		n.logger.WarnContext(ctx, "monitor alert failed", slog.String("error", err.Error()))
	}
}

// ScanError alerts that a full scan pass failed.
func (n *Notifier) ScanError(ctx context.Context, scanID, cause string) {
	msg := fmt.Sprintf("scan %s: %s", scanID, cause)
	if err := n.Notify(ctx, EventScanError, "Scan pass failed", msg); err != nil {
		n.logger.WarnContext(ctx, "scan alert failed", slog.String("error", err.Error()))
	}
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
