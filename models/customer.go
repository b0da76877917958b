package models

import "time"

// Segment is a customer's current activity classification.
type Segment string

const (
	SegmentNew    Segment = "new"
	SegmentActive Segment = "active"
	SegmentLapsed Segment = "lapsed"
)

// Customer is the storefront customer as seen by the engine
type Customer struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"not null;index" json:"email"`
	Name      string    `json:"name"`
	Segment   Segment   `gorm:"not null;default:'new'" json:"segment"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Purchase is a completed order. Only the completion time matters here.
type Purchase struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CustomerID  uint      `gorm:"not null;index:idx_purchase_customer_completed,priority:1" json:"customerId"`
	CompletedAt time.Time `gorm:"not null;index:idx_purchase_customer_completed,priority:2" json:"completedAt"`
}
