package models

import (
	"time"
)

// EnrollmentStatus is the position of an enrollment in its state machine.
// active is the only non-terminal status.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentStopped   EnrollmentStatus = "stopped"
	EnrollmentSkipped   EnrollmentStatus = "skipped"
)

// IsTerminal reports whether no further transition is possible.
func (s EnrollmentStatus) IsTerminal() bool {
	return s != EnrollmentActive
}

// Valid reports whether s is one of the known statuses.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentActive, EnrollmentCompleted, EnrollmentStopped, EnrollmentSkipped:
		return true
	}
	return false
}

// Enrollment is one customer's progress through one automation.
type Enrollment struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	AutomationID  uint   `gorm:"not null;uniqueIndex:idx_enrollment_automation_customer" json:"automationId"`
	CustomerID    uint   `gorm:"not null;uniqueIndex:idx_enrollment_automation_customer;index" json:"customerId"`
	CustomerEmail string `gorm:"not null" json:"customerEmail"`
	CustomerName  string `json:"customerName"`

	// Progress. CurrentStepIndex is the next step to send.
	CurrentStepIndex int              `gorm:"not null;default:0" json:"currentStepIndex"`
	Status           EnrollmentStatus `gorm:"not null;default:'active';index:idx_enrollment_due,priority:1" json:"status"`
	NextSendAt       *time.Time       `gorm:"index:idx_enrollment_due,priority:2" json:"nextSendAt"`
	EnrolledAt       time.Time        `gorm:"not null" json:"enrolledAt"`
	CompletedAt      *time.Time       `json:"completedAt"`

	// Delivery failures for the current step
	RetryCount int    `gorm:"not null;default:0" json:"retryCount"`
	LastError  string `json:"lastError,omitempty"`

	// Concurrency control. Every state write bumps Version and is conditioned
	// on the version read at claim time.
	Version      int        `gorm:"not null;default:0" json:"-"`
	ClaimedUntil *time.Time `json:"-"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`

	Automation *Automation `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// NewEnrollment builds the initial state for a customer entering an automation.
func NewEnrollment(a *Automation, customer Customer, now time.Time) Enrollment {
	next := now
	if first, ok := a.StepAt(0); ok {
		next = now.Add(first.Delay())
	}
	return Enrollment{
		AutomationID:     a.ID,
		CustomerID:       customer.ID,
		CustomerEmail:    customer.Email,
		CustomerName:     customer.Name,
		CurrentStepIndex: 0,
		Status:           EnrollmentActive,
		NextSendAt:       &next,
		EnrolledAt:       now,
	}
}

// Transition is the complete set of mutable fields written when an
// enrollment changes state.
type Transition struct {
	Status           EnrollmentStatus
	CurrentStepIndex int
	NextSendAt       *time.Time
	CompletedAt      *time.Time
	RetryCount       int
	LastError        string
}

// Advance is the transition after the current step was handed to the gateway
// at sentAt: move to the next step, or complete after the last one.
func (e Enrollment) Advance(a *Automation, sentAt time.Time) Transition {
	nextIndex := e.CurrentStepIndex + 1
	next, ok := a.StepAt(nextIndex)
	if !ok {
		return Transition{
			Status:           EnrollmentCompleted,
			CurrentStepIndex: nextIndex,
			CompletedAt:      &sentAt,
		}
	}
	at := sentAt.Add(next.Delay())
	return Transition{
		Status:           EnrollmentActive,
		CurrentStepIndex: nextIndex,
		NextSendAt:       &at,
	}
}

// Skip abandons the remaining sequence.
func (e Enrollment) Skip() Transition {
	return Transition{
		Status:           EnrollmentSkipped,
		CurrentStepIndex: e.CurrentStepIndex,
		RetryCount:       e.RetryCount,
	}
}

// Stop terminates the enrollment, recording why.
func (e Enrollment) Stop(reason string) Transition {
	return Transition{
		Status:           EnrollmentStopped,
		CurrentStepIndex: e.CurrentStepIndex,
		RetryCount:       e.RetryCount,
		LastError:        reason,
	}
}

// Retry records a failed delivery attempt. Once maxAttempts consecutive
// attempts of the same step have failed the enrollment is stopped instead.
func (e Enrollment) Retry(now time.Time, backoff time.Duration, maxAttempts int, cause string) Transition {
	attempts := e.RetryCount + 1
	if attempts >= maxAttempts {
		t := e.Stop(cause)
		t.RetryCount = attempts
		return t
	}
	at := now.Add(backoff)
	return Transition{
		Status:           EnrollmentActive,
		CurrentStepIndex: e.CurrentStepIndex,
		NextSendAt:       &at,
		RetryCount:       attempts,
		LastError:        cause,
	}
}

// Apply copies a transition onto the in-memory enrollment.
func (e *Enrollment) Apply(t Transition) {
	e.Status = t.Status
	e.CurrentStepIndex = t.CurrentStepIndex
	e.NextSendAt = t.NextSendAt
	e.CompletedAt = t.CompletedAt
	e.RetryCount = t.RetryCount
	e.LastError = t.LastError
	e.ClaimedUntil = nil
	e.Version++
}

// EnrollmentStats aggregates enrollments of one automation by status.
type EnrollmentStats struct {
	Total     int64 `json:"total"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Stopped   int64 `json:"stopped"`
	Skipped   int64 `json:"skipped"`
}
