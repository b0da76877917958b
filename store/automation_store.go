package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drip/models"
	"drip/utils"

	"gorm.io/gorm"
)

// AutomationStore persists automation definitions and enforces their
// lifecycle rules.
type AutomationStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAutomationStore(db *gorm.DB) *AutomationStore {
	return &AutomationStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// AutomationPatch is a partial update. Nil fields are left unchanged.
type AutomationPatch struct {
	Name        *string             `json:"name"`
	TriggerType *models.TriggerType `json:"triggerType"`
	Steps       *[]models.Step      `json:"steps"`
}

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("step_index ASC")
}

// Get loads an automation with its steps in index order.
func (s *AutomationStore) Get(ctx context.Context, id uint) (*models.Automation, error) {
	return s.get(s.db.WithContext(ctx), id)
}

func (s *AutomationStore) get(tx *gorm.DB, id uint) (*models.Automation, error) {
	var a models.Automation
	if err := tx.Preload("Steps", orderedSteps).First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &models.NotFoundError{Resource: "automation", ID: id}
		}
		return nil, fmt.Errorf("load automation %d: %w", id, err)
	}
	return &a, nil
}

// List returns every automation, newest first.
func (s *AutomationStore) List(ctx context.Context) ([]models.Automation, error) {
	var automations []models.Automation
	if err := s.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Order("created_at DESC, id DESC").
		Find(&automations).Error; err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	return automations, nil
}

// ListActiveByTrigger returns the automations currently accepting new
// enrollments for the trigger.
func (s *AutomationStore) ListActiveByTrigger(ctx context.Context, trigger models.TriggerType) ([]models.Automation, error) {
	var automations []models.Automation
	if err := s.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("trigger_type = ? AND status = ?", trigger, models.AutomationActive).
		Order("id ASC").
		Find(&automations).Error; err != nil {
		return nil, fmt.Errorf("list active automations for %s: %w", trigger, err)
	}
	return automations, nil
}

// Create stores a new draft automation.
func (s *AutomationStore) Create(ctx context.Context, name string, trigger models.TriggerType, steps []models.Step) (*models.Automation, error) {
	automation := models.Automation{
		Name:        name,
		TriggerType: trigger,
		Status:      models.AutomationDraft,
		Steps:       detachSteps(steps),
	}
	if err := validateAutomation(&automation); err != nil {
		return nil, err
	}

	now := s.now()
	automation.CreatedAt = now
	automation.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(&automation).Error; err != nil {
		return nil, fmt.Errorf("create automation: %w", err)
	}
	return &automation, nil
}

// Update applies a partial update. Active automations are read-only so that
// in-flight enrollments never see their remaining steps rewritten.
func (s *AutomationStore) Update(ctx context.Context, id uint, patch AutomationPatch) (*models.Automation, error) {
	var updated *models.Automation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		automation, err := s.get(tx, id)
		if err != nil {
			return err
		}
		if automation.Status == models.AutomationActive {
			return &models.InvalidStateError{Resource: "automation", Status: string(automation.Status), Op: "update"}
		}

		if patch.Name != nil {
			automation.Name = *patch.Name
		}
		if patch.TriggerType != nil {
			automation.TriggerType = *patch.TriggerType
		}
		if patch.Steps != nil {
			automation.Steps = detachSteps(*patch.Steps)
		}
		if err := validateAutomation(automation); err != nil {
			return err
		}

		automation.UpdatedAt = s.now()
		if err := tx.Model(&models.Automation{}).Where("id = ?", id).Updates(map[string]interface{}{
			"name":         automation.Name,
			"trigger_type": automation.TriggerType,
			"updated_at":   automation.UpdatedAt,
		}).Error; err != nil {
			return fmt.Errorf("update automation %d: %w", id, err)
		}

		if patch.Steps != nil {
			if err := tx.Where("automation_id = ?", id).Delete(&models.Step{}).Error; err != nil {
				return fmt.Errorf("replace steps of automation %d: %w", id, err)
			}
			for i := range automation.Steps {
				automation.Steps[i].AutomationID = id
			}
			if err := tx.Create(&automation.Steps).Error; err != nil {
				return fmt.Errorf("replace steps of automation %d: %w", id, err)
			}
		}
		updated = automation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes an automation and, by cascade, its steps, terminal
// enrollments and their delivery logs. It is refused while any enrollment is still active.
func (s *AutomationStore) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		automation, err := s.get(tx, id)
		if err != nil {
			return err
		}

		var active int64
		if err := tx.Model(&models.Enrollment{}).
			Where("automation_id = ? AND status = ?", id, models.EnrollmentActive).
			Count(&active).Error; err != nil {
			return fmt.Errorf("count active enrollments: %w", err)
		}
		if active > 0 {
			return &models.InvalidStateError{
				Resource: fmt.Sprintf("automation with %d active enrollments", active),
				Status:   string(automation.Status),
				Op:       "delete",
			}
		}

		// Delete in proper order to respect foreign keys
		if err := tx.Where("enrollment_id IN (?)",
			tx.Model(&models.Enrollment{}).Select("id").Where("automation_id = ?", id),
		).Delete(&models.DeliveryLog{}).Error; err != nil {
			return fmt.Errorf("delete automation %d delivery logs: %w", id, err)
		}
		tables := []interface{}{
			&models.Enrollment{},
			&models.Step{},
		}
		for _, table := range tables {
			if err := tx.Where("automation_id = ?", id).Delete(table).Error; err != nil {
				return fmt.Errorf("delete automation %d dependencies: %w", id, err)
			}
		}
		if err := tx.Delete(&models.Automation{}, id).Error; err != nil {
			return fmt.Errorf("delete automation %d: %w", id, err)
		}
		return nil
	})
}

// Activate moves a draft or paused automation to active. Activating an
// active automation is a no-op.
func (s *AutomationStore) Activate(ctx context.Context, id uint) (*models.Automation, error) {
	return s.transition(ctx, id, models.AutomationActive, "activate")
}

// Pause stops new enrollments and dispatch for an active automation without
// touching any enrollment. Pausing a paused automation is a no-op.
func (s *AutomationStore) Pause(ctx context.Context, id uint) (*models.Automation, error) {
	return s.transition(ctx, id, models.AutomationPaused, "pause")
}

func (s *AutomationStore) transition(ctx context.Context, id uint, target models.AutomationStatus, op string) (*models.Automation, error) {
	var result *models.Automation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		automation, err := s.get(tx, id)
		if err != nil {
			return err
		}
		if automation.Status == target {
			result = automation
			return nil
		}
		if !automation.Status.CanTransitionTo(target) {
			return &models.InvalidStateError{Resource: "automation", Status: string(automation.Status), Op: op}
		}
		if target == models.AutomationActive {
			if err := validateAutomation(automation); err != nil {
				return err
			}
		}

		now := s.now()
		res := tx.Model(&models.Automation{}).
			Where("id = ? AND status = ?", id, automation.Status).
			Updates(map[string]interface{}{"status": target, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("%s automation %d: %w", op, id, res.Error)
		}
		if res.RowsAffected == 0 {
			return &models.InvalidStateError{Resource: "automation", Status: "changed concurrently", Op: op}
		}
		automation.Status = target
		automation.UpdatedAt = now
		result = automation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func validateAutomation(a *models.Automation) error {
	var problems []string
	if err := utils.ValidateStruct(a); err != nil {
		var verr *models.ValidationError
		if !errors.As(err, &verr) {
			return err
		}
		problems = append(problems, verr.Problems...)
	}
	if err := a.CheckSteps(); err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			problems = append(problems, verr.Problems...)
		}
	}
	if len(problems) > 0 {
		return &models.ValidationError{Problems: dedupe(problems)}
	}
	return nil
}

// detachSteps copies caller-provided steps without any persisted identity.
func detachSteps(steps []models.Step) []models.Step {
	out := make([]models.Step, len(steps))
	for i, step := range steps {
		step.ID = 0
		step.AutomationID = 0
		out[i] = step
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
