// Package notify forwards monitor alerts to chat channels. Alerts are
// filtered by severity so operators only get paged for what they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every Sender.
type Notifier struct {
	senders    []Sender
	severities map[domain.Severity]bool
	logger     *slog.Logger
}

// NewNotifier creates a Notifier that forwards alerts whose severity is
// listed. An empty list forwards everything.
func NewNotifier(senders []Sender, severities []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.Severity]bool, len(severities))
	for _, s := range severities {
		allowed[domain.Severity(strings.TrimSpace(s))] = true
	}
	return &Notifier{
		senders:    senders,
		severities: allowed,
		logger:     logger.With(slog.String("component", "notifier")),
	}
}

// HandleAlert has the monitor callback signature and forwards a to the
// senders when its severity passes the filter.
func (n *Notifier) HandleAlert(ctx context.Context, a domain.TCAAlert) error {
	if len(n.severities) > 0 && !n.severities[a.Severity] {
		n.logger.DebugContext(ctx, "alert filtered out",
			slog.String("alert_id", a.ID),
			slog.String("severity", string(a.Severity)),
		)
		return nil
	}
	return n.dispatch(ctx, alertTitle(a), alertBody(a))
}

// Notify sends a free-form message to every sender.
func (n *Notifier) Notify(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch delivers to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
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
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func alertTitle(a domain.TCAAlert) string {
	return fmt.Sprintf("[%s] %s %s", strings.ToUpper(string(a.Severity)), a.Symbol, a.Type)
}

func alertBody(a domain.TCAAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\norder %s: %.2f vs threshold %.2f", a.Message, a.OrderID, a.CurrentValue, a.Threshold)
	if len(a.ExecutionContext) > 0 {
		keys := make([]string, 0, len(a.ExecutionContext))
		for k := range a.ExecutionContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %.4g", k, a.ExecutionContext[k])
		}
	}
	for _, r := range a.Recommendations {
		b.WriteString("\n- " + r)
	}
	return b.String()
}
