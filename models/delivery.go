package models

import "time"

// DeliveryLog records a message accepted by the delivery gateway, keyed by
// the idempotency key of its (enrollment, step).
type DeliveryLog struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	IdempotencyKey string     `gorm:"not null;uniqueIndex" json:"idempotencyKey"`
	EnrollmentID   uint       `gorm:"not null;index" json:"enrollmentId"`
	StepIndex      int        `gorm:"not null" json:"stepIndex"`
	ProviderID     string     `json:"providerId"`
	SentAt         time.Time  `gorm:"not null" json:"sentAt"`
	OpenCount      int        `gorm:"not null;default:0" json:"openCount"`
	OpenedAt       *time.Time `json:"openedAt,omitempty"`
	ClickCount     int        `gorm:"not null;default:0" json:"clickCount"`
	ClickedAt      *time.Time `json:"clickedAt,omitempty"`
}

// AlertSeverity classifies operational alerts.
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Alert is an operational notification raised by background processing
type Alert struct {
	ID           uint          `gorm:"primaryKey" json:"id"`
	Kind         string        `gorm:"not null;index" json:"kind"`
	Severity     AlertSeverity `gorm:"not null" json:"severity"`
	Message      string        `gorm:"type:text;not null" json:"message"`
	AutomationID *uint         `gorm:"index" json:"automationId,omitempty"`
	EnrollmentID *uint         `gorm:"index" json:"enrollmentId,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}
