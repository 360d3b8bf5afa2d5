package alerting

import (
	"fmt"
	"io"
	"log"
	"log/slog"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	shoutrrrrouter "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tableshift/tableshift/internal/models"
)

// Notifier delivers a raised alert over one channel. Delivery mechanics are
// a collaborator concern; a failed send is logged, never fatal.
type Notifier interface {
	Name() string
	Send(alert models.Alert) error
}

// LogNotifier writes alerts to the structured log. Always registered so an
// engine with no external channels still surfaces alerts.
type LogNotifier struct {
	Logger *slog.Logger
}

// Name implements Notifier.
func (n *LogNotifier) Name() string { return "log" }

// Send implements Notifier.
func (n *LogNotifier) Send(alert models.Alert) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("alert raised",
		"alert_id", alert.AlertID,
		"rule_id", alert.RuleID,
		"migration_id", alert.MigrationID,
		"severity", alert.Severity,
		"message", alert.Message,
		"value", alert.Value,
		"threshold", alert.Threshold)
	return nil
}

// ShoutrrrNotifier delivers alerts over shoutrrr service URLs (webhook,
// email, chat).
type ShoutrrrNotifier struct {
	sender *shoutrrrrouter.ServiceRouter
}

// NewShoutrrrNotifier builds a notifier from one or more shoutrrr URLs.
func NewShoutrrrNotifier(urls []string) (*ShoutrrrNotifier, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one notifier URL is required")
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification sender: %w", err)
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return &ShoutrrrNotifier{sender: sender}, nil
}

// Name implements Notifier.
func (n *ShoutrrrNotifier) Name() string { return "shoutrrr" }

// Send implements Notifier.
func (n *ShoutrrrNotifier) Send(alert models.Alert) error {
	params := stypes.Params{}
	params.SetTitle(fmt.Sprintf("[%s] migration %s", alert.Severity, alert.MigrationID))

	body := fmt.Sprintf("%s (value=%.4f threshold=%.4f rule=%s)",
		alert.Message, alert.Value, alert.Threshold, alert.RuleID)

	for _, err := range n.sender.Send(body, &params) {
		if err != nil {
			return fmt.Errorf("%w: %w", models.ErrNotificationDelivery, err)
		}
	}
	return nil
}
