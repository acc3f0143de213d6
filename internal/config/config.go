package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// JWT
	JWTSecret      string
	JWTExpireHours int

	// API
	APIPort int

	// Sync engine
	SyncInterval   time.Duration // how often the scheduled fleet sync runs
	SyncWorkers    int           // bounded fan-out across servers
	SyncLockMaxAge time.Duration // stale fleet-lock takeover threshold

	// Archive
	ArchiveRetentionDays int

	// Session estimator (heuristic thresholds, tunable)
	SessionIdleTimeout time.Duration
	TrafficNoiseFloor  int64 // bytes; deltas at or below this are not "traffic"
	TrafficLogMinDelta int64 // bytes; deltas below this are not logged
}

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a hostname-based value if crypto/rand fails
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

func Load() *Config {
	// JWT Secret - generate random if not provided
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateSecureSecret(32) // 64 character hex string
		log.Println("WARNING: JWT_SECRET not set - generated random secret. Sessions will not persist across restarts.")
	}

	// Database password - warn if using default
	dbPassword := getEnv("DB_PASSWORD", "")
	if dbPassword == "" {
		log.Println("WARNING: DB_PASSWORD not set - this is insecure for production!")
		dbPassword = "changeme"
	}

	// Redis password - warn if using default
	redisPassword := getEnv("REDIS_PASSWORD", "")
	if redisPassword == "" {
		log.Println("WARNING: REDIS_PASSWORD not set - Redis is not secured!")
	}

	return &Config{
		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "proxyfleet"),
		DBPassword: dbPassword,
		DBName:     getEnv("DB_NAME", "proxyfleet"),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: redisPassword,

		// JWT
		JWTSecret:      jwtSecret,
		JWTExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 168), // 7 days default

		// API
		APIPort: getEnvInt("API_PORT", 8080),

		// Sync engine
		SyncInterval:   time.Duration(getEnvInt("SYNC_INTERVAL_SECONDS", 60)) * time.Second,
		SyncWorkers:    getEnvInt("SYNC_WORKERS", 8),
		SyncLockMaxAge: time.Duration(getEnvInt("SYNC_LOCK_MAX_AGE_MINUTES", 15)) * time.Minute,

		// Archive
		ArchiveRetentionDays: getEnvInt("ARCHIVE_RETENTION_DAYS", 90),

		// Session estimator
		SessionIdleTimeout: time.Duration(getEnvInt("SESSION_IDLE_TIMEOUT_SECONDS", 300)) * time.Second,
		TrafficNoiseFloor:  int64(getEnvInt("TRAFFIC_NOISE_FLOOR_BYTES", 512)),
		TrafficLogMinDelta: int64(getEnvInt("TRAFFIC_LOG_MIN_DELTA_BYTES", 1024)),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
