package delivery

import (
	"context"

	"drip/models"
	"drip/utils"

	"github.com/sirupsen/logrus"
)

// Ledger remembers accepted idempotency keys.
type Ledger interface {
	Seen(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, entry models.DeliveryLog) error
}

// Deduplicating wraps a gateway so that a message whose idempotency key was
// already accepted is never handed to the provider again.
type Deduplicating struct {
	gateway Gateway
	ledger  Ledger
	log     *logrus.Entry
}

func NewDeduplicating(gateway Gateway, ledger Ledger, log *logrus.Entry) *Deduplicating {
	return &Deduplicating{gateway: gateway, ledger: ledger, log: log}
}

func (d *Deduplicating) Send(ctx context.Context, msg Message) (Receipt, error) {
	seen, err := d.ledger.Seen(ctx, msg.IdempotencyKey)
	if err != nil {
		return Receipt{}, err
	}
	if seen {
		utils.LogEvent(d.log, "duplicate_send_suppressed", map[string]interface{}{
			"enrollment_id":   msg.EnrollmentID,
			"step_index":      msg.StepIndex,
			"idempotency_key": msg.IdempotencyKey,
		})
		return Receipt{Provider: "ledger", ProviderID: msg.IdempotencyKey, Duplicate: true}, nil
	}

	receipt, err := d.gateway.Send(ctx, msg)
	if err != nil {
		return Receipt{}, err
	}

	// The message is out; failing to record it must not turn into a retry.
	if err := d.ledger.Record(context.WithoutCancel(ctx), models.DeliveryLog{
		IdempotencyKey: msg.IdempotencyKey,
		EnrollmentID:   msg.EnrollmentID,
		StepIndex:      msg.StepIndex,
		ProviderID:     receipt.ProviderID,
		SentAt:         receipt.AcceptedAt,
	}); err != nil {
		utils.LogError(d.log, "LedgerRecordError", err, map[string]interface{}{
			"enrollment_id":   msg.EnrollmentID,
			"idempotency_key": msg.IdempotencyKey,
		})
	}
	return receipt, nil
}
