package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/proxyfleet/backend/internal/database"
	"github.com/proxyfleet/backend/internal/models"
	"gorm.io/gorm"
)

type DashboardHandler struct{}

func NewDashboardHandler() *DashboardHandler {
	return &DashboardHandler{}
}

// KeyStats is the aggregate view over a set of keys
type KeyStats struct {
	TotalKeys        int64            `json:"total_keys"`
	KeysByStatus     map[string]int64 `json:"keys_by_status"`
	TotalUsedBytes   int64            `json:"total_used_bytes"`
	EstimatedDevices int64            `json:"estimated_devices"`
}

// collectKeyStats runs the grouping/aggregation queries over a key scope
func collectKeyStats(scope *gorm.DB) KeyStats {
	stats := KeyStats{KeysByStatus: make(map[string]int64)}

	scope.Session(&gorm.Session{}).Count(&stats.TotalKeys)

	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	scope.Session(&gorm.Session{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&counts)
	for _, sc := range counts {
		stats.KeysByStatus[sc.Status] = sc.Count
	}

	type sums struct {
		Used    int64
		Devices int64
	}
	var total sums
	scope.Session(&gorm.Session{}).
		Select("COALESCE(SUM(used_bytes), 0) as used, COALESCE(SUM(estimated_devices), 0) as devices").
		Scan(&total)
	stats.TotalUsedBytes = total.Used
	stats.EstimatedDevices = total.Devices

	return stats
}

// Stats returns fleet-wide aggregates, cached briefly in Redis
func (h *DashboardHandler) Stats(c *fiber.Ctx) error {
	var cached fiber.Map
	if err := database.CacheGet(database.CacheKeyDashboardStats, &cached); err == nil {
		return c.JSON(fiber.Map{
			"success": true,
			"data":    cached,
		})
	}

	keyStats := collectKeyStats(database.DB.Model(&models.AccessKey{}))

	var serverCount, activeServers int64
	database.DB.Model(&models.Server{}).Count(&serverCount)
	database.DB.Model(&models.Server{}).Where("is_active = ?", true).Count(&activeServers)

	var archivedCount int64
	database.DB.Model(&models.ArchivedKey{}).Count(&archivedCount)

	data := fiber.Map{
		"servers":        serverCount,
		"active_servers": activeServers,
		"keys":           keyStats,
		"archived_keys":  archivedCount,
	}

	database.CacheSet(database.CacheKeyDashboardStats, data, database.CacheTTLDashboard)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}
