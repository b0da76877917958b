package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by the stores, the trigger listener and the worker.
var (
	// ErrDuplicateEnrollment means the (automation, customer) pair is already enrolled.
	ErrDuplicateEnrollment = errors.New("enrollment already exists")

	// ErrClaimContention means another worker holds the enrollment.
	ErrClaimContention = errors.New("enrollment claimed by another worker")

	// ErrStaleEnrollment means the enrollment changed since it was claimed,
	// e.g. an operator stopped it mid-dispatch.
	ErrStaleEnrollment = errors.New("enrollment changed since claim")
)

// ValidationError is a malformed automation definition or request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, ", ")
}

// InvalidStateError is an operation that is illegal for the current status.
type InvalidStateError struct {
	Resource string
	Status   string
	Op       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s in status %q", e.Op, e.Resource, e.Status)
}

// NotFoundError is a missing automation or enrollment.
type NotFoundError struct {
	Resource string
	ID       uint
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

// DeliveryError is a failed content generation or gateway send. It is
// retried by the worker up to the configured attempt cap.
type DeliveryError struct {
	Stage string // "content" or "gateway"
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed at %s: %v", e.Stage, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// SkipEvaluationError is a failed lookup while evaluating a skip condition.
type SkipEvaluationError struct {
	Condition SkipCondition
	Err       error
}

func (e *SkipEvaluationError) Error() string {
	return fmt.Sprintf("evaluating %s: %v", e.Condition, e.Err)
}

func (e *SkipEvaluationError) Unwrap() error { return e.Err }
