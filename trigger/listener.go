package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drip/metrics"
	"drip/models"
	"drip/utils"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
)

type AutomationSource interface {
	ListActiveByTrigger(ctx context.Context, trigger models.TriggerType) ([]models.Automation, error)
}

type EnrollmentCreator interface {
	Create(ctx context.Context, e *models.Enrollment) error
}

type CustomerLookup interface {
	Get(ctx context.Context, id uint) (*models.Customer, error)
}

// Result reports what handling one event did.
type Result struct {
	Trigger     models.TriggerType `json:"trigger,omitempty"`
	Enrollments []uint             `json:"enrollments"`
	Duplicates  int                `json:"duplicates"`
}

// Listener turns domain events into enrollments.
type Listener struct {
	automations AutomationSource
	enrollments EnrollmentCreator
	customers   CustomerLookup
	log         *logrus.Entry
	now         func() time.Time
}

func NewListener(automations AutomationSource, enrollments EnrollmentCreator, customers CustomerLookup, log *logrus.Entry) *Listener {
	return &Listener{
		automations: automations,
		enrollments: enrollments,
		customers:   customers,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle enrolls the event's customer into every active automation whose
// trigger matches. Redelivered events are harmless: an existing enrollment
// for the same automation and customer is left alone.
func (l *Listener) Handle(ctx context.Context, ev Event) (Result, error) {
	if err := utils.ValidateStruct(ev); err != nil {
		metrics.TriggerEventsTotal.WithLabelValues(string(ev.Type), "invalid").Inc()
		return Result{}, err
	}

	trigger, ok := ev.TriggerType()
	if !ok {
		metrics.TriggerEventsTotal.WithLabelValues(string(ev.Type), "ignored").Inc()
		return Result{}, nil
	}

	customer, err := l.resolveCustomer(ctx, ev)
	if err != nil {
		return Result{}, err
	}

	automations, err := l.automations.ListActiveByTrigger(ctx, trigger)
	if err != nil {
		return Result{}, fmt.Errorf("resolve automations for %s: %w", trigger, err)
	}

	result := Result{Trigger: trigger, Enrollments: []uint{}}
	now := l.now()
	for i := range automations {
		a := &automations[i]
		enrollment := models.NewEnrollment(a, customer, now)
		err := l.enrollments.Create(ctx, &enrollment)
		switch {
		case errors.Is(err, models.ErrDuplicateEnrollment):
			result.Duplicates++
			l.log.WithFields(logrus.Fields{
				"automation_id": a.ID,
				"customer_id":   customer.ID,
			}).Debug("Customer already enrolled")
		case err != nil:
			return result, fmt.Errorf("enroll customer %d into automation %d: %w", customer.ID, a.ID, err)
		default:
			result.Enrollments = append(result.Enrollments, enrollment.ID)
			metrics.EnrollmentsCreatedTotal.WithLabelValues(string(trigger)).Inc()
			utils.LogEvent(l.log, "enrollment_created", map[string]interface{}{
				"automation_id": a.ID,
				"customer_id":   customer.ID,
				"enrollment_id": enrollment.ID,
				"next_send_at":  enrollment.NextSendAt,
			})
		}
	}

	metrics.TriggerEventsTotal.WithLabelValues(string(ev.Type), "handled").Inc()
	return result, nil
}

// resolveCustomer completes the recipient from the customer table when the
// event does not carry an email address.
func (l *Listener) resolveCustomer(ctx context.Context, ev Event) (models.Customer, error) {
	customer := models.Customer{ID: ev.CustomerID, Email: ev.Email, Name: ev.Name}
	if customer.Email == "" && l.customers != nil {
		stored, err := l.customers.Get(ctx, ev.CustomerID)
		if err != nil {
			return models.Customer{}, err
		}
		customer.Email = stored.Email
		if customer.Name == "" {
			customer.Name = stored.Name
		}
	}
	if customer.Email == "" {
		return models.Customer{}, &models.ValidationError{Problems: []string{"email is required"}}
	}
	if err := checkmail.ValidateFormat(customer.Email); err != nil {
		return models.Customer{}, &models.ValidationError{Problems: []string{"email: " + err.Error()}}
	}
	return customer, nil
}
