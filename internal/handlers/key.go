package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/proxyfleet/backend/internal/database"
	"github.com/proxyfleet/backend/internal/models"
	"github.com/proxyfleet/backend/internal/services"
)

type KeyHandler struct {
	keyService *services.KeyService
}

func NewKeyHandler(keyService *services.KeyService) *KeyHandler {
	return &KeyHandler{keyService: keyService}
}

// List returns access keys, optionally filtered by server and status
func (h *KeyHandler) List(c *fiber.Ctx) error {
	query := database.DB.Preload("Server").Order("id ASC")

	if serverID := c.Query("server_id"); serverID != "" {
		query = query.Where("server_id = ?", serverID)
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var keys []models.AccessKey
	if err := query.Find(&keys).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch keys",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    keys,
	})
}

// Get returns a single key
func (h *KeyHandler) Get(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid ID",
		})
	}

	var key models.AccessKey
	if err := database.DB.Preload("Server").First(&key, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Key not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    key,
	})
}

// CreateKeyRequest represents a new key payload
type CreateKeyRequest struct {
	ServerID       uint       `json:"server_id"`
	Name           string     `json:"name"`
	Method         string     `json:"method"`
	DataLimitBytes *int64     `json:"data_limit_bytes"`
	ResetStrategy  string     `json:"reset_strategy"`
	ExpirationType string     `json:"expiration_type"`
	ExpiresAt      *time.Time `json:"expires_at"`
	DurationDays   int        `json:"duration_days"`
}

// Create issues a new key on the chosen server
func (h *KeyHandler) Create(c *fiber.Ctx) error {
	var req CreateKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	if req.ServerID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "server_id is required",
		})
	}

	key, err := h.keyService.Create(context.Background(), services.CreateKeyParams{
		ServerID:       req.ServerID,
		Name:           req.Name,
		Method:         req.Method,
		DataLimitBytes: req.DataLimitBytes,
		ResetStrategy:  models.ResetStrategy(req.ResetStrategy),
		ExpirationType: models.ExpirationType(req.ExpirationType),
		ExpiresAt:      req.ExpiresAt,
		DurationDays:   req.DurationDays,
	})
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create key: " + err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    key,
	})
}

// Rename changes a key's display name
func (h *KeyHandler) Rename(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid ID",
		})
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil || req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Name is required",
		})
	}

	key, err := h.keyService.Rename(context.Background(), id, req.Name)
	if err != nil {
		return keyOpError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    key,
	})
}

// SetDataLimit applies a data limit to a key
func (h *KeyHandler) SetDataLimit(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid ID",
		})
	}

	var req struct {
		Bytes int64 `json:"bytes"`
	}
	if err := c.BodyParser(&req); err != nil || req.Bytes <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "A positive byte limit is required",
		})
	}

	key, err := h.keyService.SetDataLimit(context.Background(), id, req.Bytes)
	if err != nil {
		return keyOpError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    key,
	})
}

// RemoveDataLimit clears a key's data limit
func (h *KeyHandler) RemoveDataLimit(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid ID",
		})
	}

	key, err := h.keyService.RemoveDataLimit(context.Background(), id)
	if err != nil {
		return keyOpError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    key,
	})
}

// Disable deletes the remote key while preserving local usage
func (h *KeyHandler) Disable(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid ID",
		})
	}

	key, err := h.keyService.Disable(context.Background(), id)
	if err != nil {
		return keyOpError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    key,
	})
}

// Enable re-creates the remote key with continuity of usage
func (h *KeyHandler) Enable(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid ID",
		})
	}

	key, err := h.keyService.Enable(context.Background(), id)
	if err != nil {
		return keyOpError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    key,
	})
}

// BulkRequest represents a bulk enable/disable payload
type BulkRequest struct {
	KeyIDs []uint `json:"key_ids"`
}

// BulkDisable disables many keys; per-key failures are isolated
func (h *KeyHandler) BulkDisable(c *fiber.Ctx) error {
	var req BulkRequest
	if err := c.BodyParser(&req); err != nil || len(req.KeyIDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "key_ids is required",
		})
	}

	results := h.keyService.BulkDisable(context.Background(), req.KeyIDs)
	return c.JSON(fiber.Map{
		"success": true,
		"data":    results,
	})
}

// BulkEnable enables many keys; per-key failures are isolated
func (h *KeyHandler) BulkEnable(c *fiber.Ctx) error {
	var req BulkRequest
	if err := c.BodyParser(&req); err != nil || len(req.KeyIDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "key_ids is required",
		})
	}

	results := h.keyService.BulkEnable(context.Background(), req.KeyIDs)
	return c.JSON(fiber.Map{
		"success": true,
		"data":    results,
	})
}

// Delete archives the key and removes it from active management
func (h *KeyHandler) Delete(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid ID",
		})
	}

	if err := h.keyService.Delete(context.Background(), id); err != nil {
		return keyOpError(c, err)
	}

	database.InvalidateStatsCaches()

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Key archived and removed",
	})
}

// Traffic returns the down-sampled traffic history for a key
func (h *KeyHandler) Traffic(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid ID",
		})
	}

	since := time.Now().AddDate(0, 0, -7)
	if days, err := strconv.Atoi(c.Query("days")); err == nil && days > 0 {
		since = time.Now().AddDate(0, 0, -days)
	}

	var logs []models.TrafficLog
	if err := database.DB.
		Where("key_id = ? AND created_at >= ?", id, since).
		Order("created_at ASC").
		Find(&logs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch traffic history",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    logs,
	})
}

// Sessions returns the inferred connection sessions for a key
func (h *KeyHandler) Sessions(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid ID",
		})
	}

	var sessions []models.ConnectionSession
	if err := database.DB.
		Where("key_id = ?", id).
		Order("started_at DESC").
		Limit(100).
		Find(&sessions).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch sessions",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    sessions,
	})
}

// parseID parses the :id route param
func parseID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return uint(id), nil
}

// keyOpError maps key-service errors onto HTTP responses
func keyOpError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrKeyNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Key not found",
		})
	case errors.Is(err, services.ErrKeyNotDisabled), errors.Is(err, services.ErrKeyNoRemote):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	default:
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}
}
