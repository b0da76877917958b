package controller

import (
	"context"
	"strings"

	"drip/models"
	"drip/store"
	"drip/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type AutomationController struct {
	Automations *store.AutomationStore
	Enrollments *store.EnrollmentStore
	Deliveries  *store.DeliveryLedger
	Logger      *logrus.Entry
}

func NewAutomationController(automations *store.AutomationStore, enrollments *store.EnrollmentStore, deliveries *store.DeliveryLedger, logger *logrus.Entry) *AutomationController {
	return &AutomationController{
		Automations: automations,
		Enrollments: enrollments,
		Deliveries:  deliveries,
		Logger:      logger,
	}
}

// automationDetail is an automation with its enrollment counts.
type automationDetail struct {
	*models.Automation
	Stats models.EnrollmentStats `json:"stats"`
}

// GetAutomations lists every automation.
func (ac *AutomationController) GetAutomations(c *fiber.Ctx) error {
	automations, err := ac.Automations.List(c.UserContext())
	if err != nil {
		return ac.fail(c, "ListAutomationsError", err)
	}
	return c.JSON(automations)
}

// GetAutomation returns one automation including aggregated enrollment stats.
func (ac *AutomationController) GetAutomation(c *fiber.Ctx) error {
	id, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid automation ID",
		})
	}

	automation, err := ac.Automations.Get(c.UserContext(), id)
	if err != nil {
		return ac.fail(c, "GetAutomationError", err)
	}
	stats, err := ac.Enrollments.Stats(c.UserContext(), id)
	if err != nil {
		return ac.fail(c, "AutomationStatsError", err)
	}
	return c.JSON(automationDetail{Automation: automation, Stats: stats})
}

// CreateAutomation stores a new draft automation.
func (ac *AutomationController) CreateAutomation(c *fiber.Ctx) error {
	var input struct {
		Name        string             `json:"name"`
		TriggerType models.TriggerType `json:"triggerType"`
		Steps       []models.Step      `json:"steps"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	automation, err := ac.Automations.Create(c.UserContext(), strings.TrimSpace(input.Name), input.TriggerType, input.Steps)
	if err != nil {
		return ac.fail(c, "CreateAutomationError", err)
	}

	utils.LogEvent(ac.Logger, "automation_created", map[string]interface{}{
		"automation_id": automation.ID,
		"trigger_type":  automation.TriggerType,
		"steps":         len(automation.Steps),
	})
	return c.Status(fiber.StatusCreated).JSON(automation)
}

// UpdateAutomation applies a partial update to a draft or paused automation.
func (ac *AutomationController) UpdateAutomation(c *fiber.Ctx) error {
	id, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid automation ID",
		})
	}

	var patch store.AutomationPatch
	if err := c.BodyParser(&patch); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if patch.Name != nil {
		trimmed := strings.TrimSpace(*patch.Name)
		patch.Name = &trimmed
	}

	automation, err := ac.Automations.Update(c.UserContext(), id, patch)
	if err != nil {
		return ac.fail(c, "UpdateAutomationError", err)
	}
	return c.JSON(automation)
}

// DeleteAutomation removes an automation with no active enrollments.
func (ac *AutomationController) DeleteAutomation(c *fiber.Ctx) error {
	id, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid automation ID",
		})
	}

	if err := ac.Automations.Delete(c.UserContext(), id); err != nil {
		return ac.fail(c, "DeleteAutomationError", err)
	}

	utils.LogEvent(ac.Logger, "automation_deleted", map[string]interface{}{"automation_id": id})
	return c.JSON(fiber.Map{
		"message": "Automation deleted successfully",
		"id":      id,
	})
}

// ActivateAutomation starts enrolling and dispatching for an automation.
func (ac *AutomationController) ActivateAutomation(c *fiber.Ctx) error {
	return ac.changeStatus(c, ac.Automations.Activate, "automation_activated")
}

// PauseAutomation suspends enrolling and dispatching for an automation.
func (ac *AutomationController) PauseAutomation(c *fiber.Ctx) error {
	return ac.changeStatus(c, ac.Automations.Pause, "automation_paused")
}

func (ac *AutomationController) changeStatus(c *fiber.Ctx, apply func(ctx context.Context, id uint) (*models.Automation, error), event string) error {
	id, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid automation ID",
		})
	}

	automation, err := apply(c.UserContext(), id)
	if err != nil {
		return ac.fail(c, "AutomationStatusError", err)
	}

	utils.LogEvent(ac.Logger, event, map[string]interface{}{"automation_id": id})
	return c.JSON(automation)
}

// GetEnrollments lists the enrollments of an automation, optionally filtered
// with ?status=.
func (ac *AutomationController) GetEnrollments(c *fiber.Ctx) error {
	id, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid automation ID",
		})
	}

	status := models.EnrollmentStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		return utils.ErrorResponse(c, &models.ValidationError{
			Problems: []string{"status must be one of [active completed stopped skipped]"},
		})
	}

	if _, err := ac.Automations.Get(c.UserContext(), id); err != nil {
		return ac.fail(c, "GetAutomationError", err)
	}
	enrollments, err := ac.Enrollments.ListByAutomation(c.UserContext(), id, status)
	if err != nil {
		return ac.fail(c, "ListEnrollmentsError", err)
	}
	return c.JSON(enrollments)
}

// enrollmentDetail is an enrollment with the messages sent for it.
type enrollmentDetail struct {
	*models.Enrollment
	Deliveries []models.DeliveryLog `json:"deliveries"`
}

// GetEnrollment returns one enrollment and its delivery history.
func (ac *AutomationController) GetEnrollment(c *fiber.Ctx) error {
	automationID, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid automation ID",
		})
	}
	enrollmentID, err := utils.ParseID(c.Params("enrollmentId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid enrollment ID",
		})
	}

	enrollment, err := ac.Enrollments.Get(c.UserContext(), automationID, enrollmentID)
	if err != nil {
		return ac.fail(c, "GetEnrollmentError", err)
	}
	deliveries, err := ac.Deliveries.ListByEnrollment(c.UserContext(), enrollment.ID)
	if err != nil {
		return ac.fail(c, "ListDeliveriesError", err)
	}
	return c.JSON(enrollmentDetail{Enrollment: enrollment, Deliveries: deliveries})
}

// StopEnrollment terminates one enrollment. Stopping a finished enrollment
// returns it unchanged.
func (ac *AutomationController) StopEnrollment(c *fiber.Ctx) error {
	automationID, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid automation ID",
		})
	}
	enrollmentID, err := utils.ParseID(c.Params("enrollmentId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid enrollment ID",
		})
	}

	var input struct {
		Reason string `json:"reason"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&input); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}
	if input.Reason == "" {
		input.Reason = "stopped by operator"
	}

	enrollment, err := ac.Enrollments.Stop(c.UserContext(), automationID, enrollmentID, input.Reason)
	if err != nil {
		return ac.fail(c, "StopEnrollmentError", err)
	}

	utils.LogEvent(ac.Logger, "enrollment_stopped", map[string]interface{}{
		"automation_id": automationID,
		"enrollment_id": enrollmentID,
		"status":        enrollment.Status,
	})
	return c.JSON(enrollment)
}

// fail writes the error response, reporting unexpected errors.
func (ac *AutomationController) fail(c *fiber.Ctx, errorType string, err error) error {
	if isUnexpected(err) {
		utils.LogError(ac.Logger, errorType, err, map[string]interface{}{
			"path":   c.Path(),
			"method": c.Method(),
		})
	}
	return utils.ErrorResponse(c, err)
}
