package controller

import (
	"context"
	"crypto/hmac"
	"net/url"
	"time"

	"drip/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// TrackingLedger counts opens and clicks of delivered messages.
type TrackingLedger interface {
	RecordOpen(ctx context.Context, key string, at time.Time) (bool, error)
	RecordClick(ctx context.Context, key string, at time.Time) (bool, error)
}

// TrackingController serves the open pixel and click redirect links that the
// renderer injects into outgoing HTML.
type TrackingController struct {
	Ledger TrackingLedger
	Secret string
	Logger *logrus.Entry
	now    func() time.Time
}

func NewTrackingController(ledger TrackingLedger, secret string, logger *logrus.Entry) *TrackingController {
	return &TrackingController{
		Ledger: ledger,
		Secret: secret,
		Logger: logger,
		now:    time.Now,
	}
}

// HandleOpenTracking records an open and always answers with the pixel so
// mail clients never show a broken image.
func (tc *TrackingController) HandleOpenTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	if tc.validToken(messageID, c.Params("token")) {
		found, err := tc.Ledger.RecordOpen(c.UserContext(), messageID, tc.now().UTC())
		tc.logResult("open", messageID, found, err)
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	return c.Send(transparentPixel())
}

// HandleClickTracking records a click and redirects to the original link.
func (tc *TrackingController) HandleClickTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	if !tc.validToken(messageID, c.Params("token")) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Invalid tracking token",
		})
	}

	target := c.Query("url")
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid redirect URL",
		})
	}

	found, err := tc.Ledger.RecordClick(c.UserContext(), messageID, tc.now().UTC())
	tc.logResult("click", messageID, found, err)
	return c.Redirect(target, fiber.StatusFound)
}

func (tc *TrackingController) validToken(messageID, token string) bool {
	if tc.Secret == "" || messageID == "" {
		return false
	}
	expected := utils.TrackingToken(tc.Secret, messageID)
	return hmac.Equal([]byte(expected), []byte(token))
}

func (tc *TrackingController) logResult(kind, messageID string, found bool, err error) {
	switch {
	case err != nil:
		utils.LogError(tc.Logger, "TrackingError", err, map[string]interface{}{
			"kind":       kind,
			"message_id": messageID,
		})
	case !found:
		tc.Logger.WithFields(logrus.Fields{
			"kind":       kind,
			"message_id": messageID,
		}).Debug("Tracking hit for unknown message")
	}
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
