package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/proxyfleet/backend/internal/database"
	"github.com/proxyfleet/backend/internal/services"
)

type SyncHandler struct {
	syncService *services.SyncService
}

func NewSyncHandler(syncService *services.SyncService) *SyncHandler {
	return &SyncHandler{syncService: syncService}
}

// Trigger starts an on-demand fleet sync. Returns 409 with the elapsed
// duration of the current run when one is already in flight.
func (h *SyncHandler) Trigger(c *fiber.Ctx) error {
	result, err := h.syncService.SyncAll()
	if err != nil {
		var inProgress *services.SyncInProgressError
		if errors.As(err, &inProgress) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"success":         false,
				"message":         inProgress.Error(),
				"elapsed_seconds": int(inProgress.Elapsed.Seconds()),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Fleet sync failed: " + err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    result,
	})
}

// Status reports whether a fleet sync is running and for how long
func (h *SyncHandler) Status(c *fiber.Ctx) error {
	running, elapsed, err := h.syncService.Status()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to read sync status",
		})
	}

	data := fiber.Map{
		"running":         running,
		"elapsed_seconds": int(elapsed / time.Second),
	}

	var lastResult fiber.Map
	if err := database.CacheGet(database.CacheKeySyncStatus, &lastResult); err == nil {
		data["last_result"] = lastResult
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}
