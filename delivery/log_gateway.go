package delivery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// LogGateway writes messages to the log instead of sending them. Used in
// development.
type LogGateway struct {
	log *logrus.Entry
}

func NewLogGateway(log *logrus.Entry) *LogGateway {
	return &LogGateway{log: log}
}

func (g *LogGateway) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	g.log.WithFields(logrus.Fields{
		"to":              msg.To,
		"subject":         msg.Subject,
		"enrollment_id":   msg.EnrollmentID,
		"step_index":      msg.StepIndex,
		"idempotency_key": msg.IdempotencyKey,
	}).Info("Email delivered to log")
	return Receipt{Provider: "log", ProviderID: msg.IdempotencyKey, AcceptedAt: time.Now().UTC()}, nil
}
