package controller

import (
	"context"

	"drip/trigger"
	"drip/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// EventHandler enrolls customers in response to domain events.
type EventHandler interface {
	Handle(ctx context.Context, ev trigger.Event) (trigger.Result, error)
}

type EventController struct {
	Listener EventHandler
	Logger   *logrus.Entry
}

func NewEventController(listener EventHandler, logger *logrus.Entry) *EventController {
	return &EventController{Listener: listener, Logger: logger}
}

// PublishEvent runs the trigger listener for one event and reports the
// enrollments it created.
func (ec *EventController) PublishEvent(c *fiber.Ctx) error {
	var ev trigger.Event
	if err := c.BodyParser(&ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	result, err := ec.Listener.Handle(c.UserContext(), ev)
	if err != nil {
		if isUnexpected(err) {
			utils.LogError(ec.Logger, "EventHandlingError", err, map[string]interface{}{
				"event_type":  ev.Type,
				"customer_id": ev.CustomerID,
			})
		}
		return utils.ErrorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(result)
}
