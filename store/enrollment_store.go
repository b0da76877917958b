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

// EnrollmentStore persists enrollments. All state writes after creation are
// conditioned on the enrollment's version so that two writers can never both
// move the same enrollment.
type EnrollmentStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewEnrollmentStore(db *gorm.DB) *EnrollmentStore {
	return &EnrollmentStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new enrollment. A second enrollment for the same
// (automation, customer) returns ErrDuplicateEnrollment and writes nothing.
func (s *EnrollmentStore) Create(ctx context.Context, e *models.Enrollment) error {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "automation_id"}, {Name: "customer_id"}},
			DoNothing: true,
		}).
		Create(e)
	if res.Error != nil {
		return fmt.Errorf("create enrollment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrDuplicateEnrollment
	}
	return nil
}

// Get loads one enrollment of an automation.
func (s *EnrollmentStore) Get(ctx context.Context, automationID, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := s.db.WithContext(ctx).
		Where("id = ? AND automation_id = ?", id, automationID).
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &models.NotFoundError{Resource: "enrollment", ID: id}
		}
		return nil, fmt.Errorf("load enrollment %d: %w", id, err)
	}
	return &e, nil
}

// ListByAutomation returns the enrollments of an automation, optionally
// filtered by status.
func (s *EnrollmentStore) ListByAutomation(ctx context.Context, automationID uint, status models.EnrollmentStatus) ([]models.Enrollment, error) {
	q := s.db.WithContext(ctx).Where("automation_id = ?", automationID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var enrollments []models.Enrollment
	if err := q.Order("enrolled_at ASC, id ASC").Find(&enrollments).Error; err != nil {
		return nil, fmt.Errorf("list enrollments of automation %d: %w", automationID, err)
	}
	return enrollments, nil
}

// Stats counts the enrollments of an automation by status.
func (s *EnrollmentStore) Stats(ctx context.Context, automationID uint) (models.EnrollmentStats, error) {
	var rows []struct {
		Status models.EnrollmentStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Select("status, COUNT(*) AS count").
		Where("automation_id = ?", automationID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return models.EnrollmentStats{}, fmt.Errorf("count enrollments of automation %d: %w", automationID, err)
	}

	var stats models.EnrollmentStats
	for _, row := range rows {
		stats.Total += row.Count
		switch row.Status {
		case models.EnrollmentActive:
			stats.Active = row.Count
		case models.EnrollmentCompleted:
			stats.Completed = row.Count
		case models.EnrollmentStopped:
			stats.Stopped = row.Count
		case models.EnrollmentSkipped:
			stats.Skipped = row.Count
		}
	}
	return stats, nil
}

// FindDue returns active enrollments of active automations whose next send
// time has passed and which are not currently claimed. The owning
// automation and its steps are preloaded.
func (s *EnrollmentStore) FindDue(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error) {
	var enrollments []models.Enrollment
	err := s.db.WithContext(ctx).
		Joins("JOIN automations ON automations.id = enrollments.automation_id").
		Where("automations.status = ?", models.AutomationActive).
		Where("enrollments.status = ? AND enrollments.next_send_at <= ?", models.EnrollmentActive, now).
		Where("(enrollments.claimed_until IS NULL OR enrollments.claimed_until < ?)", now).
		Preload("Automation").
		Preload("Automation.Steps", orderedSteps).
		Order("enrollments.next_send_at ASC, enrollments.id ASC").
		Limit(limit).
		Find(&enrollments).Error
	if err != nil {
		return nil, fmt.Errorf("find due enrollments: %w", err)
	}
	return enrollments, nil
}

// Claim leases the enrollment to the caller until the given time. It fails
// with ErrClaimContention when the enrollment changed since it was read or is
// held by another worker. On success e carries the new version.
func (s *EnrollmentStore) Claim(ctx context.Context, e *models.Enrollment, now, until time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ? AND version = ? AND status = ?", e.ID, e.Version, models.EnrollmentActive).
		Where("(claimed_until IS NULL OR claimed_until < ?)", now).
		Updates(map[string]interface{}{
			"claimed_until": until,
			"version":       gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("claim enrollment %d: %w", e.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrClaimContention
	}
	e.Version++
	e.ClaimedUntil = &until
	return nil
}

// Release gives up a claim without changing the enrollment's progress.
func (s *EnrollmentStore) Release(ctx context.Context, e *models.Enrollment) error {
	res := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ? AND version = ?", e.ID, e.Version).
		Updates(map[string]interface{}{
			"claimed_until": nil,
			"version":       gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("release enrollment %d: %w", e.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrStaleEnrollment
	}
	e.Version++
	e.ClaimedUntil = nil
	return nil
}

// ApplyTransition writes t if the enrollment is still active at the version
// the caller holds. Otherwise it returns ErrStaleEnrollment and writes nothing.
func (s *EnrollmentStore) ApplyTransition(ctx context.Context, e *models.Enrollment, t models.Transition) error {
	res := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ? AND version = ? AND status = ?", e.ID, e.Version, models.EnrollmentActive).
		Updates(transitionColumns(t))
	if res.Error != nil {
		return fmt.Errorf("update enrollment %d: %w", e.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrStaleEnrollment
	}
	e.Apply(t)
	return nil
}

// Stop terminates an active enrollment regardless of any claim held on it.
// Stopping an enrollment that is already terminal returns it unchanged.
func (s *EnrollmentStore) Stop(ctx context.Context, automationID, id uint, reason string) (*models.Enrollment, error) {
	e, err := s.Get(ctx, automationID, id)
	if err != nil {
		return nil, err
	}
	if e.Status.IsTerminal() {
		return e, nil
	}

	res := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentActive).
		Updates(transitionColumns(e.Stop(reason)))
	if res.Error != nil {
		return nil, fmt.Errorf("stop enrollment %d: %w", id, res.Error)
	}
	// Either way the enrollment is terminal now; report what was stored.
	return s.Get(ctx, automationID, id)
}

func transitionColumns(t models.Transition) map[string]interface{} {
	return map[string]interface{}{
		"status":             t.Status,
		"current_step_index": t.CurrentStepIndex,
		"next_send_at":       t.NextSendAt,
		"completed_at":       t.CompletedAt,
		"retry_count":        t.RetryCount,
		"last_error":         t.LastError,
		"claimed_until":      nil,
		"version":            gorm.Expr("version + 1"),
	}
}
