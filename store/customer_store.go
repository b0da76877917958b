package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drip/models"

	"gorm.io/gorm"
)

// CustomerStore reads customer profiles, purchases and segments from the
// storefront tables.
type CustomerStore struct {
	db *gorm.DB
}

func NewCustomerStore(db *gorm.DB) *CustomerStore {
	return &CustomerStore{db: db}
}

// Get loads a customer by id.
func (s *CustomerStore) Get(ctx context.Context, id uint) (*models.Customer, error) {
	var c models.Customer
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &models.NotFoundError{Resource: "customer", ID: id}
		}
		return nil, fmt.Errorf("load customer %d: %w", id, err)
	}
	return &c, nil
}

// HasPurchasedSince reports whether the customer completed a purchase
// strictly after since.
func (s *CustomerStore) HasPurchasedSince(ctx context.Context, customerID uint, since time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Purchase{}).
		Where("customer_id = ? AND completed_at > ?", customerID, since).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check purchases of customer %d: %w", customerID, err)
	}
	return count > 0, nil
}

// CurrentSegment returns the customer's segment as of now.
func (s *CustomerStore) CurrentSegment(ctx context.Context, customerID uint) (models.Segment, error) {
	c, err := s.Get(ctx, customerID)
	if err != nil {
		return "", err
	}
	return c.Segment, nil
}
