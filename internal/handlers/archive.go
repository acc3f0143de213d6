package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/proxyfleet/backend/internal/database"
	"github.com/proxyfleet/backend/internal/models"
	"github.com/proxyfleet/backend/internal/services"
)

type ArchiveHandler struct{}

func NewArchiveHandler() *ArchiveHandler {
	return &ArchiveHandler{}
}

// List returns archived keys, optionally filtered by reason or server
func (h *ArchiveHandler) List(c *fiber.Ctx) error {
	query := database.DB.Order("archived_at DESC")

	if reason := c.Query("reason"); reason != "" {
		query = query.Where("archive_reason = ?", reason)
	}
	if serverID := c.Query("server_id"); serverID != "" {
		query = query.Where("server_id = ?", serverID)
	}

	var archived []models.ArchivedKey
	if err := query.Find(&archived).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch archive",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    archived,
	})
}

// Cleanup purges archive entries past their retention window
func (h *ArchiveHandler) Cleanup(c *fiber.Ctx) error {
	purged, err := services.CleanupArchive(database.DB, time.Now().UTC())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Archive cleanup failed",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"purged": purged,
		},
	})
}
