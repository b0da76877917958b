package delivery

import (
	"context"
	"fmt"
	"time"

	"drip/config"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// keyNamespace scopes idempotency keys to this service.
var keyNamespace = uuid.MustParse("5f0c6a2e-8d1b-4f3a-9c7e-2b6d4e8a1f90")

// IdempotencyKey derives the stable key for sending a step of an enrollment.
// The same (enrollment, step) always yields the same key.
func IdempotencyKey(enrollmentID uint, stepIndex int) string {
	return uuid.NewSHA1(keyNamespace, []byte(fmt.Sprintf("%d:%d", enrollmentID, stepIndex))).String()
}

// Message is one email handed to a gateway.
type Message struct {
	EnrollmentID   uint
	StepIndex      int
	To             string
	ToName         string
	Subject        string
	HTMLBody       string
	IdempotencyKey string
}

// Receipt describes an accepted message.
type Receipt struct {
	Provider   string
	ProviderID string
	AcceptedAt time.Time
	// Duplicate is set when the message had already been accepted earlier
	// and was not sent again.
	Duplicate bool
}

// Gateway sends email. Implementations must honour ctx cancellation.
type Gateway interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// NewGateway builds the provider selected in configuration.
func NewGateway(cfg config.DeliveryConfig, log *logrus.Entry) (Gateway, error) {
	switch cfg.Provider {
	case "smtp":
		return NewSMTPGateway(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.FromEmail, cfg.FromName), nil
	case "sendgrid":
		return NewSendGridGateway(cfg.SendGridAPIKey, cfg.FromEmail, cfg.FromName), nil
	case "log":
		return NewLogGateway(log), nil
	}
	return nil, fmt.Errorf("unknown delivery provider %q", cfg.Provider)
}
