package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/proxyfleet/backend/internal/database"
	"github.com/proxyfleet/backend/internal/models"
	"github.com/proxyfleet/backend/internal/outline"
	"github.com/proxyfleet/backend/internal/services"
	"gorm.io/gorm"
)

type ServerHandler struct {
	syncService *services.SyncService
}

func NewServerHandler(syncService *services.SyncService) *ServerHandler {
	return &ServerHandler{syncService: syncService}
}

// List returns all registered servers with their key counts
func (h *ServerHandler) List(c *fiber.Ctx) error {
	var servers []models.Server
	if err := database.DB.Order("name ASC").Find(&servers).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch servers",
		})
	}

	type serverEntry struct {
		models.Server
		KeyCount int64 `json:"key_count"`
	}

	entries := make([]serverEntry, 0, len(servers))
	for _, s := range servers {
		var count int64
		database.DB.Model(&models.AccessKey{}).Where("server_id = ?", s.ID).Count(&count)
		entries = append(entries, serverEntry{Server: s, KeyCount: count})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    entries,
	})
}

// Get returns a single server
func (h *ServerHandler) Get(c *fiber.Ctx) error {
	server, errResp := h.loadServer(c)
	if server == nil {
		return errResp
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    server,
	})
}

// ServerRequest represents create/update server payload
type ServerRequest struct {
	Name       string `json:"name"`
	Location   string `json:"location"`
	APIURL     string `json:"api_url"`
	CertSHA256 string `json:"cert_sha256"`
	IsActive   *bool  `json:"is_active"`
}

// Create registers a new server after verifying the management endpoint
func (h *ServerHandler) Create(c *fiber.Ctx) error {
	var req ServerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	if req.Name == "" || req.APIURL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Name and api_url are required",
		})
	}

	client := outline.NewClient(req.APIURL, req.CertSHA256)
	result := client.TestConnection(c.Context())
	if !result.Success {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "Server unreachable: " + result.ErrorMsg,
		})
	}

	server := models.Server{
		Name:       req.Name,
		Location:   req.Location,
		APIURL:     req.APIURL,
		CertSHA256: req.CertSHA256,
		IsActive:   true,
	}
	if err := database.DB.Create(&server).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create server",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    server,
	})
}

// Update edits server fields. Only fields present in the payload change.
func (h *ServerHandler) Update(c *fiber.Ctx) error {
	server, errResp := h.loadServer(c)
	if server == nil {
		return errResp
	}

	var req ServerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.Name != "" {
		server.Name = req.Name
	}
	if req.Location != "" {
		server.Location = req.Location
	}
	if req.APIURL != "" {
		server.APIURL = req.APIURL
	}
	if req.CertSHA256 != "" {
		server.CertSHA256 = req.CertSHA256
	}
	if req.IsActive != nil {
		server.IsActive = *req.IsActive
	}

	if err := database.DB.Save(server).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to update server",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    server,
	})
}

// Delete removes a server and its local records. Remote keys are left
// untouched: deleting a server here never deletes keys on the remote side.
func (h *ServerHandler) Delete(c *fiber.Ctx) error {
	server, errResp := h.loadServer(c)
	if server == nil {
		return errResp
	}

	err := database.DB.Transaction(func(tx *gorm.DB) error {
		var keyIDs []uint
		if err := tx.Model(&models.AccessKey{}).Where("server_id = ?", server.ID).Pluck("id", &keyIDs).Error; err != nil {
			return err
		}
		if len(keyIDs) > 0 {
			if err := tx.Where("key_id IN ?", keyIDs).Delete(&models.ConnectionSession{}).Error; err != nil {
				return err
			}
			if err := tx.Where("key_id IN ?", keyIDs).Delete(&models.TrafficLog{}).Error; err != nil {
				return err
			}
			if err := tx.Unscoped().Where("server_id = ?", server.ID).Delete(&models.AccessKey{}).Error; err != nil {
				return err
			}
		}
		return tx.Delete(server).Error
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete server",
		})
	}

	database.InvalidateStatsCaches()

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Server deleted",
	})
}

// Sync triggers an on-demand reconciliation pass for one server
func (h *ServerHandler) Sync(c *fiber.Ctx) error {
	server, errResp := h.loadServer(c)
	if server == nil {
		return errResp
	}

	result := h.syncService.SyncServer(server)
	database.InvalidateStatsCaches()

	status := fiber.StatusOK
	if !result.OK {
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(fiber.Map{
		"success": result.OK,
		"data":    result,
	})
}

// Stats returns aggregate usage for one server, cached briefly in Redis
func (h *ServerHandler) Stats(c *fiber.Ctx) error {
	server, errResp := h.loadServer(c)
	if server == nil {
		return errResp
	}

	cacheKey := database.CacheKeyServerStats + strconv.FormatUint(uint64(server.ID), 10)
	var cached fiber.Map
	if err := database.CacheGet(cacheKey, &cached); err == nil {
		return c.JSON(fiber.Map{
			"success": true,
			"data":    cached,
		})
	}

	stats := collectKeyStats(database.DB.Model(&models.AccessKey{}).Where("server_id = ?", server.ID))
	database.CacheSet(cacheKey, stats, database.CacheTTLDashboard)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    stats,
	})
}

// TestConnection probes the server's management endpoint
func (h *ServerHandler) TestConnection(c *fiber.Ctx) error {
	server, errResp := h.loadServer(c)
	if server == nil {
		return errResp
	}

	client := outline.NewClient(server.APIURL, server.CertSHA256)
	result := client.TestConnection(context.Background())

	return c.JSON(fiber.Map{
		"success": result.Success,
		"message": result.ErrorMsg,
		"data":    result.Info,
	})
}

// loadServer parses the :id param and fetches the server, writing the error
// response itself when it fails
func (h *ServerHandler) loadServer(c *fiber.Ctx) (*models.Server, error) {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid server ID",
		})
	}

	var server models.Server
	if err := database.DB.First(&server, id).Error; err != nil {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Server not found",
		})
	}
	return &server, nil
}
