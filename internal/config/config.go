/**
 * Configuration for the OCR client pipeline
 *
 * Loads configuration from environment variables. Binaries may populate the
 * environment from a .env file first (see cmd/worker).
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default first-page render size: A4 at 200 DPI.
const (
	DefaultRenderWidth  = 1654
	DefaultRenderHeight = 2339
)

// Config holds pipeline and worker configuration
type Config struct {
	// Remote OCR service
	OCRServerURL      string
	OCRRequestTimeout time.Duration

	// Orchestration
	RenderWidth    int
	RenderHeight   int
	FailurePolicy  string // "continue" or "stop"
	OCRConcurrency int

	// Redis (queue + cache)
	RedisURL  string
	QueueName string
	CacheTTL  time.Duration

	// PostgreSQL configuration
	DatabaseURL string

	// Worker configuration
	WorkerConcurrency int
	MaxFileSize       int64
	ProcessingTimeout time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	width, height, err := renderSize()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		OCRServerURL:      getEnvOrDefault("OCR_SERVER_URL", ""),
		OCRRequestTimeout: getEnvAsDurationOrDefault("OCR_REQUEST_TIMEOUT", 120*time.Second),
		RenderWidth:       width,
		RenderHeight:      height,
		FailurePolicy:     strings.ToLower(getEnvOrDefault("OCR_FAILURE_POLICY", "continue")),
		OCRConcurrency:    getEnvAsIntOrDefault("OCR_CONCURRENCY", 1),
		RedisURL:          getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "ocr"),
		CacheTTL:          getEnvAsDurationOrDefault("CACHE_TTL", 24*time.Hour),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxFileSize:       getEnvAsInt64OrDefault("MAX_FILE_SIZE", 104857600), // 100MB
		ProcessingTimeout: getEnvAsDurationOrDefault("PROCESSING_TIMEOUT", 5*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.OCRServerURL == "" {
		return fmt.Errorf("OCR_SERVER_URL is required")
	}

	if c.OCRRequestTimeout <= 0 {
		return fmt.Errorf("OCR_REQUEST_TIMEOUT must be positive, got %v", c.OCRRequestTimeout)
	}

	if c.RenderWidth <= 0 || c.RenderHeight <= 0 {
		return fmt.Errorf("render size must be positive, got %dx%d", c.RenderWidth, c.RenderHeight)
	}

	if c.FailurePolicy != "continue" && c.FailurePolicy != "stop" {
		return fmt.Errorf("OCR_FAILURE_POLICY must be \"continue\" or \"stop\", got %q", c.FailurePolicy)
	}

	if c.OCRConcurrency < 1 || c.OCRConcurrency > 32 {
		return fmt.Errorf("OCR_CONCURRENCY must be between 1 and 32, got %d", c.OCRConcurrency)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 1073741824 { // 1KB to 1GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 1GB, got %d", c.MaxFileSize)
	}

	return nil
}

// renderSize reads RENDER_WIDTH/RENDER_HEIGHT. The A4 default only yields
// when both are overridden.
func renderSize() (int, int, error) {
	w, h := os.Getenv("RENDER_WIDTH"), os.Getenv("RENDER_HEIGHT")
	if w == "" && h == "" {
		return DefaultRenderWidth, DefaultRenderHeight, nil
	}
	if w == "" || h == "" {
		return 0, 0, fmt.Errorf("RENDER_WIDTH and RENDER_HEIGHT must be set together")
	}

	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid RENDER_WIDTH %q: %w", w, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid RENDER_HEIGHT %q: %w", h, err)
	}

	return width, height, nil
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

// getEnvAsDurationOrDefault accepts Go durations ("90s") or plain milliseconds.
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	return defaultValue
}
