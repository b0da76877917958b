package controller

import (
	"time"

	"drip/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

// StatsSource reports the dispatcher's counters.
type StatsSource interface {
	Stats() worker.Stats
}

// SchedulerController exposes the dispatcher status. Source is nil when the
// process runs with dispatching disabled.
type SchedulerController struct {
	Source         StatsSource
	StreamInterval time.Duration
	Logger         *logrus.Entry
}

func NewSchedulerController(source StatsSource, streamInterval time.Duration, logger *logrus.Entry) *SchedulerController {
	if streamInterval <= 0 {
		streamInterval = 5 * time.Second
	}
	return &SchedulerController{
		Source:         source,
		StreamInterval: streamInterval,
		Logger:         logger,
	}
}

func (sc *SchedulerController) stats() worker.Stats {
	if sc.Source == nil {
		return worker.Stats{}
	}
	return sc.Source.Stats()
}

// GetStatus returns the current dispatcher counters.
func (sc *SchedulerController) GetStatus(c *fiber.Ctx) error {
	return c.JSON(sc.stats())
}

// UpgradeStream rejects plain HTTP requests on the stream route.
func (sc *SchedulerController) UpgradeStream(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
		"error": "WebSocket upgrade required",
	})
}

// StreamStatus pushes the dispatcher counters every StreamInterval until the
// client goes away.
func (sc *SchedulerController) StreamStatus(c *websocket.Conn) {
	defer c.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(sc.StreamInterval)
	defer ticker.Stop()

	for {
		if err := c.WriteJSON(sc.stats()); err != nil {
			sc.Logger.WithError(err).Debug("Scheduler stream closed")
			return
		}
		select {
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}
