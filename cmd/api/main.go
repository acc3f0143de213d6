package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/proxyfleet/backend/internal/config"
	"github.com/proxyfleet/backend/internal/database"
	"github.com/proxyfleet/backend/internal/handlers"
	"github.com/proxyfleet/backend/internal/middleware"
	"github.com/proxyfleet/backend/internal/models"
	"github.com/proxyfleet/backend/internal/services"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Seed admin user if not exists
	seedAdminUser()

	// Start the fleet sync engine
	syncService := services.NewSyncService(database.DB, cfg)
	syncService.Start()

	// Start daily archive retention purge
	archiveCleanup := services.NewArchiveCleanupService()
	archiveCleanup.Start()

	keyService := services.NewKeyService(database.DB, cfg)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "ProxyFleet API v1.0",
		ServerHeader: "ProxyFleet",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "proxyfleet-api",
		})
	})

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(cfg)
	serverHandler := handlers.NewServerHandler(syncService)
	keyHandler := handlers.NewKeyHandler(keyService)
	syncHandler := handlers.NewSyncHandler(syncService)
	archiveHandler := handlers.NewArchiveHandler()
	dashboardHandler := handlers.NewDashboardHandler()

	// API routes
	api := app.Group("/api")

	// Public routes
	api.Post("/auth/login", authHandler.Login)

	// Protected routes
	protected := api.Use(middleware.AuthRequired(cfg))
	protected.Get("/auth/me", authHandler.Me)

	// Servers
	protected.Get("/servers", serverHandler.List)
	protected.Post("/servers", middleware.AdminRequired(), serverHandler.Create)
	protected.Get("/servers/:id", serverHandler.Get)
	protected.Put("/servers/:id", middleware.AdminRequired(), serverHandler.Update)
	protected.Delete("/servers/:id", middleware.AdminRequired(), serverHandler.Delete)
	protected.Post("/servers/:id/sync", serverHandler.Sync)
	protected.Get("/servers/:id/stats", serverHandler.Stats)
	protected.Post("/servers/:id/test", serverHandler.TestConnection)

	// Keys
	protected.Get("/keys", keyHandler.List)
	protected.Post("/keys", middleware.AdminRequired(), keyHandler.Create)
	protected.Get("/keys/:id", keyHandler.Get)
	protected.Put("/keys/:id/name", middleware.AdminRequired(), keyHandler.Rename)
	protected.Put("/keys/:id/data-limit", middleware.AdminRequired(), keyHandler.SetDataLimit)
	protected.Delete("/keys/:id/data-limit", middleware.AdminRequired(), keyHandler.RemoveDataLimit)
	protected.Post("/keys/:id/disable", middleware.AdminRequired(), keyHandler.Disable)
	protected.Post("/keys/:id/enable", middleware.AdminRequired(), keyHandler.Enable)
	protected.Post("/keys/bulk-disable", middleware.AdminRequired(), keyHandler.BulkDisable)
	protected.Post("/keys/bulk-enable", middleware.AdminRequired(), keyHandler.BulkEnable)
	protected.Delete("/keys/:id", middleware.AdminRequired(), keyHandler.Delete)
	protected.Get("/keys/:id/traffic", keyHandler.Traffic)
	protected.Get("/keys/:id/sessions", keyHandler.Sessions)

	// Sync
	protected.Post("/sync", syncHandler.Trigger)
	protected.Get("/sync/status", syncHandler.Status)

	// Archive
	protected.Get("/archive", archiveHandler.List)
	protected.Post("/archive/cleanup", middleware.AdminRequired(), archiveHandler.Cleanup)

	// Dashboard
	protected.Get("/dashboard/stats", dashboardHandler.Stats)

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		syncService.Stop()
		archiveCleanup.Stop()
		app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("ProxyFleet API listening on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// seedAdminUser creates the default admin account on first boot
func seedAdminUser() {
	var count int64
	database.DB.Model(&models.User{}).Count(&count)
	if count > 0 {
		return
	}

	password := os.Getenv("ADMIN_PASSWORD")
	if password == "" {
		password = "admin"
		log.Println("WARNING: ADMIN_PASSWORD not set - seeding admin user with default password!")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("Failed to hash admin password: %v", err)
		return
	}

	admin := models.User{
		Username: "admin",
		Password: string(hash),
		Role:     models.UserRoleAdmin,
	}
	if err := database.DB.Create(&admin).Error; err != nil {
		log.Printf("Failed to seed admin user: %v", err)
		return
	}
	log.Println("Seeded default admin user")
}
