package alerts

import (
	"context"
	"fmt"

	"drip/models"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// Store persists alerts for the operator API.
type Store interface {
	Create(ctx context.Context, alert *models.Alert) error
}

// Notifier raises operational alerts for background failures. An alert is
// logged, reported to Sentry and stored.
type Notifier struct {
	store Store
	log   *logrus.Entry
}

func NewNotifier(store Store, log *logrus.Entry) *Notifier {
	return &Notifier{store: store, log: log}
}

func (n *Notifier) Raise(ctx context.Context, alert models.Alert) error {
	fields := logrus.Fields{
		"alert_kind": alert.Kind,
		"severity":   alert.Severity,
	}
	if alert.AutomationID != nil {
		fields["automation_id"] = *alert.AutomationID
	}
	if alert.EnrollmentID != nil {
		fields["enrollment_id"] = *alert.EnrollmentID
	}
	entry := n.log.WithFields(fields)
	if alert.Severity == models.AlertCritical {
		entry.Error(alert.Message)
	} else {
		entry.Warn(alert.Message)
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("alert_kind", alert.Kind)
		scope.SetLevel(sentryLevel(alert.Severity))
		for k, v := range fields {
			scope.SetExtra(k, v)
		}
		sentry.CaptureMessage(alert.Message)
	})

	if err := n.store.Create(ctx, &alert); err != nil {
		return fmt.Errorf("persist alert %s: %w", alert.Kind, err)
	}
	return nil
}

func sentryLevel(s models.AlertSeverity) sentry.Level {
	if s == models.AlertCritical {
		return sentry.LevelError
	}
	return sentry.LevelWarning
}
