// =============================================================================
// CONFIGURATION PACKAGE
// Centralized configuration management with environment variables and defaults
// =============================================================================

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Application
	App AppConfig

	// Server
	Server ServerConfig

	// Database
	Database DatabaseConfig

	// Redis
	Redis RedisConfig

	// Auth (operator API surface)
	Auth AuthConfig

	// Queue tuning
	Queue QueueConfig

	// Blob storage for oversized payloads/outputs
	Storage StorageConfig
}

// AppConfig for application settings
type AppConfig struct {
	Name        string
	Environment string // development, staging, production
	Version     string
	Debug       bool
	LogLevel    string
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	TrustedProxies  []string
	CORSOrigins     []string
}

// DatabaseConfig for PostgreSQL
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// URL returns the database connection URL
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig for Redis
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// URL returns the Redis connection URL
func (c RedisConfig) URL() string {
	if c.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d", c.Password, c.Host, c.Port, c.DB)
	}
	return fmt.Sprintf("redis://%s:%d/%d", c.Host, c.Port, c.DB)
}

// AuthConfig governs the HTTP surface's operator authentication.
type AuthConfig struct {
	JWTSecret      string
	AccessTokenTTL time.Duration
	BCryptCost     int
	APIKeyHashes   []string // bcrypt hashes of accepted operator API keys
}

// QueueConfig tunes the engine's storage backend, processor, and
// supervisor defaults.
type QueueConfig struct {
	Backend string // "postgres" or "kv"

	BatchSize        int
	Concurrency      int
	PollInterval     time.Duration
	DefaultTimeoutMs int64

	SupervisorIntervalMs    int64
	StuckJobsTimeoutMinutes int64
	CleanupJobsDaysToKeep   int
	CleanupEventsDaysToKeep int
	CleanupBatchSize        int

	KeyPrefix string // kv backend key namespace
}

// StorageConfig for blob offload of oversized job payloads/outputs
type StorageConfig struct {
	Enabled    bool
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	KeyPrefix  string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name:        getEnv("APP_NAME", "dataqueue"),
			Environment: getEnv("ENV", "development"),
			Version:     getEnv("APP_VERSION", "1.0.0"),
			Debug:       getEnvBool("DEBUG", true),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Host:            getEnv("HOST", ""),
			Port:            getEnvInt("PORT", 8080),
			ReadTimeout:     getEnvDuration("READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			TrustedProxies:  getEnvSlice("TRUSTED_PROXIES", []string{}),
			CORSOrigins:     getEnvSlice("CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "dataqueue"),
			Password:        getEnv("DB_PASSWORD", "dataqueue"),
			Database:        getEnv("DB_NAME", "dataqueue"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxConns:        int32(getEnvInt("DB_MAX_CONNS", 25)),
			MinConns:        int32(getEnvInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxConnIdleTime: getEnvDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
			AccessTokenTTL: getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
			BCryptCost:     getEnvInt("BCRYPT_COST", 12),
			APIKeyHashes:   getEnvSlice("API_KEY_HASHES", []string{}),
		},
		Queue: QueueConfig{
			Backend:                 getEnv("QUEUE_BACKEND", "postgres"),
			BatchSize:               getEnvInt("QUEUE_BATCH_SIZE", 10),
			Concurrency:             getEnvInt("QUEUE_CONCURRENCY", 3),
			PollInterval:            getEnvDuration("QUEUE_POLL_INTERVAL", 5*time.Second),
			DefaultTimeoutMs:        int64(getEnvInt("QUEUE_DEFAULT_TIMEOUT_MS", 0)),
			SupervisorIntervalMs:    int64(getEnvInt("QUEUE_SUPERVISOR_INTERVAL_MS", 60000)),
			StuckJobsTimeoutMinutes: int64(getEnvInt("QUEUE_STUCK_JOBS_TIMEOUT_MINUTES", 10)),
			CleanupJobsDaysToKeep:   getEnvInt("QUEUE_CLEANUP_JOBS_DAYS", 30),
			CleanupEventsDaysToKeep: getEnvInt("QUEUE_CLEANUP_EVENTS_DAYS", 30),
			CleanupBatchSize:        getEnvInt("QUEUE_CLEANUP_BATCH_SIZE", 1000),
			KeyPrefix:               getEnv("QUEUE_KEY_PREFIX", "dataqueue"),
		},
		Storage: StorageConfig{
			Enabled:    getEnvBool("BLOB_STORAGE_ENABLED", false),
			S3Bucket:   getEnv("BLOB_S3_BUCKET", ""),
			S3Region:   getEnv("BLOB_S3_REGION", "eu-west-1"),
			S3Endpoint: getEnv("BLOB_S3_ENDPOINT", ""),
			KeyPrefix:  getEnv("BLOB_KEY_PREFIX", "job-blobs"),
		},
	}

	// Validate required settings for production
	if cfg.App.Environment == "production" {
		if cfg.Auth.JWTSecret == "change-me-in-production" {
			return nil, fmt.Errorf("JWT_SECRET must be set in production")
		}
	}
	if cfg.Queue.Backend != "postgres" && cfg.Queue.Backend != "kv" {
		return nil, fmt.Errorf("QUEUE_BACKEND must be 'postgres' or 'kv', got %q", cfg.Queue.Backend)
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return strings.ToLower(val) == "true" || val == "1"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
