package skip

import (
	"context"
	"fmt"
	"time"

	"drip/models"
	"drip/utils"

	"github.com/sirupsen/logrus"
)

// CustomerProvider answers the questions skip conditions ask about a customer.
type CustomerProvider interface {
	HasPurchasedSince(ctx context.Context, customerID uint, since time.Time) (bool, error)
	CurrentSegment(ctx context.Context, customerID uint) (models.Segment, error)
}

// Evaluator decides whether an enrollment's remaining sequence should be
// abandoned before a step is sent.
type Evaluator struct {
	provider CustomerProvider
	timeout  time.Duration
	log      *logrus.Entry
}

func NewEvaluator(provider CustomerProvider, timeout time.Duration, log *logrus.Entry) *Evaluator {
	return &Evaluator{provider: provider, timeout: timeout, log: log}
}

// ShouldSkip evaluates the step's skip condition for the enrollment. A step
// without a condition is never skipped. When the provider fails the
// condition is treated as not met and the error is returned alongside false
// so the caller can record it; the step is sent anyway.
func (ev *Evaluator) ShouldSkip(ctx context.Context, e *models.Enrollment, step models.Step) (bool, error) {
	if step.SkipCondition == nil {
		return false, nil
	}
	condition := *step.SkipCondition

	if ev.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ev.timeout)
		defer cancel()
	}

	skip, err := ev.evaluate(ctx, condition, e)
	if err != nil {
		serr := &models.SkipEvaluationError{Condition: condition, Err: err}
		utils.LogError(ev.log, "SkipEvaluationError", serr, map[string]interface{}{
			"enrollment_id": e.ID,
			"customer_id":   e.CustomerID,
			"step_index":    step.StepIndex,
		})
		return false, serr
	}
	return skip, nil
}

func (ev *Evaluator) evaluate(ctx context.Context, condition models.SkipCondition, e *models.Enrollment) (bool, error) {
	switch condition {
	case models.SkipPurchasedSinceTrigger:
		return ev.provider.HasPurchasedSince(ctx, e.CustomerID, e.EnrolledAt)
	case models.SkipBecameActive:
		segment, err := ev.provider.CurrentSegment(ctx, e.CustomerID)
		if err != nil {
			return false, err
		}
		return segment == models.SegmentActive, nil
	default:
		return false, fmt.Errorf("unknown skip condition %q", condition)
	}
}
