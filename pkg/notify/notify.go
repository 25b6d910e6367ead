// Package notify delivers the per-run outcome notification. The pipeline
// only depends on the Notifier contract; message composition beyond subject
// and body is an integration concern layered on top.
package notify

import (
	"context"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/cisync/cisync/pkg/config"
	"github.com/cisync/cisync/pkg/errors"
)

// Severity qualifies a notification.
type Severity string

const (
	// SeverityInfo marks a successful run outcome.
	SeverityInfo Severity = "info"
	// SeverityWarning marks a degraded run (partial failures, ceiling trips).
	SeverityWarning Severity = "warning"
	// SeverityError marks a failed run.
	SeverityError Severity = "error"
)

// Message is one outbound notification.
type Message struct {
	Recipients  []string
	Subject     string
	HTMLBody    string
	Attachments []string
	Severity    Severity
}

// Notifier sends run outcome notifications.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// SMTPNotifier delivers messages through an SMTP relay.
type SMTPNotifier struct {
	settings config.SMTPSettings
	logger   *zap.Logger
}

// NewSMTP creates an SMTP-backed notifier.
func NewSMTP(settings config.SMTPSettings, logger *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{
		settings: settings,
		logger:   logger.With(zap.String("component", "notifier")),
	}
}

// Notify sends the message, attaching available log files regardless of run
// outcome.
func (n *SMTPNotifier) Notify(ctx context.Context, msg Message) error {
	if len(msg.Recipients) == 0 {
		n.logger.Warn("no notification recipients configured, skipping")
		return nil
	}

	m := mail.NewMsg()
	if err := m.From(n.settings.From); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid sender address")
	}
	if err := m.To(msg.Recipients...); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid recipient address")
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, msg.HTMLBody)
	for _, path := range msg.Attachments {
		m.AttachFile(path)
	}

	client, err := mail.NewClient(n.settings.Host,
		mail.WithPort(n.settings.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(n.settings.Username),
		mail.WithPassword(n.settings.Password),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to create mail client")
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to send notification")
	}

	n.logger.Info("notification sent",
		zap.Strings("recipients", msg.Recipients),
		zap.String("severity", string(msg.Severity)),
		zap.String("subject", msg.Subject))
	return nil
}

// LogNotifier writes notifications to the logger only. Used for dry runs and
// tests.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify logs the message instead of delivering it.
func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.Logger.Info("notification (log only)",
		zap.Strings("recipients", msg.Recipients),
		zap.String("severity", string(msg.Severity)),
		zap.String("subject", msg.Subject))
	return nil
}
