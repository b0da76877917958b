package controller

import (
	"strconv"

	"drip/store"
	"drip/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const maxAlertLimit = 500

type AlertController struct {
	Alerts *store.AlertStore
	Logger *logrus.Entry
}

func NewAlertController(alerts *store.AlertStore, logger *logrus.Entry) *AlertController {
	return &AlertController{Alerts: alerts, Logger: logger}
}

// GetAlerts lists operational alerts newest first. Supports ?kind= and ?limit=.
func (ac *AlertController) GetAlerts(c *fiber.Ctx) error {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be a positive integer",
			})
		}
		limit = n
	}
	if limit > maxAlertLimit {
		limit = maxAlertLimit
	}

	alerts, err := ac.Alerts.List(c.UserContext(), c.Query("kind"), limit)
	if err != nil {
		utils.LogError(ac.Logger, "ListAlertsError", err, nil)
		return utils.ErrorResponse(c, err)
	}
	return c.JSON(alerts)
}
