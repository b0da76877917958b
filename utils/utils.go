package utils

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"drip/models"

	"github.com/gofiber/fiber/v2"
)

// Pointer returns a pointer to the given value
func Pointer[T any](v T) *T {
	return &v
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	if d.Hours() >= 24 {
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%d days", days)
	} else if d.Hours() >= 1 {
		return fmt.Sprintf("%.1f hours", d.Hours())
	} else if d.Minutes() >= 1 {
		return fmt.Sprintf("%.1f minutes", d.Minutes())
	}
	return fmt.Sprintf("%.1f seconds", d.Seconds())
}

// ErrorResponse writes the standard error body for err, choosing the status
// from the error type.
func ErrorResponse(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	response := fiber.Map{"error": err.Error()}

	var (
		verr  *models.ValidationError
		serr  *models.InvalidStateError
		nferr *models.NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		status = fiber.StatusBadRequest
		response["error"] = "Validation failed"
		response["details"] = verr.Problems
	case errors.As(err, &serr):
		status = fiber.StatusConflict
	case errors.As(err, &nferr):
		status = fiber.StatusNotFound
	default:
		response["error"] = "Internal server error"
	}
	return c.Status(status).JSON(response)
}

// ParseID parses a positive numeric route parameter.
func ParseID(s string) (uint, error) {
	i, err := strconv.ParseUint(s, 10, 32)
	if err != nil || i == 0 {
		return 0, &models.ValidationError{Problems: []string{fmt.Sprintf("invalid id %q", s)}}
	}
	return uint(i), nil
}
