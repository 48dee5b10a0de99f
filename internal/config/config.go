/**
 * Configuration for the readout worker
 *
 * Loads an optional .env file, then environment variables with defaults.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Queue backends
const (
	QueueRedis = "redis"
	QueueAsynq = "asynq"
	QueueNone  = "none"
)

// Config holds worker configuration
type Config struct {
	LogLevel string

	// HTTP API; empty disables it
	HTTPAddr string

	// Queue configuration
	QueueBackend      string
	RedisURL          string
	QueueName         string
	WorkerConcurrency int
	ReplyTTL          time.Duration

	// Profiles
	DatabaseURL    string
	DatabaseSchema string
	ProfilesFile   string

	// Engines
	SSOCRPath      string
	TesseractPath  string
	TessdataPrefix string
	TempDir        string
	VisionEnabled  bool

	// Recognition defaults
	DefaultTimeout     time.Duration
	DefaultCallTimeout time.Duration
	MaxImageSize       int64
}

// LoadConfig loads configuration from envFiles (missing files are skipped) and the environment.
// Variables already set in the environment win over file values.
func LoadConfig(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := &Config{
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		HTTPAddr:           getEnvOrDefault("HTTP_ADDR", ":8080"),
		QueueBackend:       strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", QueueRedis)),
		RedisURL:           getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		QueueName:          getEnvOrDefault("QUEUE_NAME", "readout:requests"),
		WorkerConcurrency:  getEnvAsIntOrDefault("WORKER_CONCURRENCY", 1),
		ReplyTTL:           time.Duration(getEnvAsIntOrDefault("REPLY_TTL_SECONDS", 300)) * time.Second,
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DatabaseSchema:     getEnvOrDefault("DATABASE_SCHEMA", "readout"),
		ProfilesFile:       os.Getenv("PROFILES_FILE"),
		SSOCRPath:          os.Getenv("SSOCR_PATH"),
		TesseractPath:      os.Getenv("TESSERACT_PATH"),
		TessdataPrefix:     os.Getenv("TESSDATA_PREFIX"),
		TempDir:            os.Getenv("TEMP_DIR"),
		VisionEnabled:      getEnvAsBoolOrDefault("VISION_ENABLED", false),
		DefaultTimeout:     time.Duration(getEnvAsInt64OrDefault("DEFAULT_TIMEOUT_MS", 10000)) * time.Millisecond,
		DefaultCallTimeout: time.Duration(getEnvAsInt64OrDefault("DEFAULT_CALL_TIMEOUT_MS", 5000)) * time.Millisecond,
		MaxImageSize:       getEnvAsInt64OrDefault("MAX_IMAGE_SIZE", 10<<20), // 10MB
	}

	// HTTP_ADDR= (set but empty) disables the API
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok && v == "" {
		cfg.HTTPAddr = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case QueueRedis, QueueAsynq:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for QUEUE_BACKEND=%s", c.QueueBackend)
		}
	case QueueNone:
		if c.HTTPAddr == "" {
			return fmt.Errorf("QUEUE_BACKEND=none requires HTTP_ADDR, otherwise nothing serves requests")
		}
	default:
		return fmt.Errorf("QUEUE_BACKEND must be one of redis, asynq, none, got %q", c.QueueBackend)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 16 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 16, got %d", c.WorkerConcurrency)
	}

	if c.ReplyTTL <= 0 {
		return fmt.Errorf("REPLY_TTL_SECONDS must be positive")
	}

	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("DEFAULT_TIMEOUT_MS must be positive")
	}

	if c.DefaultCallTimeout <= 0 || c.DefaultCallTimeout > c.DefaultTimeout {
		return fmt.Errorf("DEFAULT_CALL_TIMEOUT_MS must be positive and at most DEFAULT_TIMEOUT_MS, got %v", c.DefaultCallTimeout)
	}

	if c.MaxImageSize < 1024 || c.MaxImageSize > 100<<20 { // 1KB to 100MB
		return fmt.Errorf("MAX_IMAGE_SIZE must be between 1KB and 100MB, got %d", c.MaxImageSize)
	}

	if c.ProfilesFile != "" {
		if _, err := os.Stat(c.ProfilesFile); err != nil {
			return fmt.Errorf("PROFILES_FILE: %w", err)
		}
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
