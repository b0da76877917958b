package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drip/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeliveryLedger remembers which idempotency keys were already accepted by
// the gateway, in the delivery_logs table.
type DeliveryLedger struct {
	db *gorm.DB
}

func NewDeliveryLedger(db *gorm.DB) *DeliveryLedger {
	return &DeliveryLedger{db: db}
}

// Seen reports whether a delivery with this key was recorded.
func (l *DeliveryLedger) Seen(ctx context.Context, key string) (bool, error) {
	var log models.DeliveryLog
	err := l.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&log).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("lookup delivery %s: %w", key, err)
	}
	return true, nil
}

// Record stores an accepted delivery. Recording the same key twice is a no-op.
func (l *DeliveryLedger) Record(ctx context.Context, entry models.DeliveryLog) error {
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("record delivery %s: %w", entry.IdempotencyKey, err)
	}
	return nil
}

// ListByEnrollment returns the deliveries of one enrollment in step order.
func (l *DeliveryLedger) ListByEnrollment(ctx context.Context, enrollmentID uint) ([]models.DeliveryLog, error) {
	var logs []models.DeliveryLog
	if err := l.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("step_index ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("list deliveries of enrollment %d: %w", enrollmentID, err)
	}
	return logs, nil
}

// RecordOpen counts an open of the message with this key. It reports false
// when no delivery carries the key.
func (l *DeliveryLedger) RecordOpen(ctx context.Context, key string, at time.Time) (bool, error) {
	return l.track(ctx, key, "open_count", "opened_at", at)
}

// RecordClick counts a tracked link click of the message with this key.
func (l *DeliveryLedger) RecordClick(ctx context.Context, key string, at time.Time) (bool, error) {
	return l.track(ctx, key, "click_count", "clicked_at", at)
}

// track increments counter and keeps the first timestamp in firstAt.
func (l *DeliveryLedger) track(ctx context.Context, key, counter, firstAt string, at time.Time) (bool, error) {
	res := l.db.WithContext(ctx).Model(&models.DeliveryLog{}).
		Where("idempotency_key = ?", key).
		Updates(map[string]interface{}{
			counter: gorm.Expr(counter+" + 1"),
			firstAt: gorm.Expr("COALESCE("+firstAt+", ?)", at),
		})
	if res.Error != nil {
		return false, fmt.Errorf("track %s of %s: %w", counter, key, res.Error)
	}
	return res.RowsAffected > 0, nil
}
