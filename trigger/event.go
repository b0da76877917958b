package trigger

import (
	"time"

	"drip/models"
)

// EventType names a domain event published by the storefront.
type EventType string

const (
	EventCustomerRegistered     EventType = "customer_registered"
	EventFirstPurchaseCompleted EventType = "first_purchase_completed"
	EventSegmentChanged         EventType = "segment_changed"
	EventInactive30Days         EventType = "inactive_30_days"
)

// Event is a domain event that may enroll a customer into automations.
type Event struct {
	Type       EventType      `json:"type" validate:"required,oneof=customer_registered first_purchase_completed segment_changed inactive_30_days"`
	CustomerID uint           `json:"customerId" validate:"required"`
	Email      string         `json:"email" validate:"omitempty,max=254"`
	Name       string         `json:"name" validate:"max=200"`
	NewSegment models.Segment `json:"newSegment,omitempty" validate:"omitempty,oneof=new active lapsed"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// TriggerType maps the event to the automation trigger it fires. Segment
// changes only fire when the customer became lapsed.
func (e Event) TriggerType() (models.TriggerType, bool) {
	switch e.Type {
	case EventCustomerRegistered:
		return models.TriggerWelcome, true
	case EventFirstPurchaseCompleted:
		return models.TriggerPostPurchase, true
	case EventSegmentChanged:
		if e.NewSegment == models.SegmentLapsed {
			return models.TriggerReactivation, true
		}
	case EventInactive30Days:
		return models.TriggerReEngagement, true
	}
	return "", false
}
