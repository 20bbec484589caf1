package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/efreitasn/backtester/internal/marketdata"
)

// Config holds all runtime configuration for the backtest server.
type Config struct {
	Port              int
	LogLevel          string
	CallbackTimeout   time.Duration
	RunRetention      time.Duration
	RetentionInterval time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration

	// SamplesDB is the SQLite file for per-sample records. Empty keeps
	// them in memory.
	SamplesDB string

	PolygonAPIKey    string
	PolygonBaseURL   string
	PolygonRateLimit float64
	PolygonPageLimit int
	PolygonMaxPages  int
}

// LoadWithDotEnv loads variables from the .env file at path (or ./.env
// when path is empty) without overriding variables already set, then
// calls Load. A missing default .env file is not an error; a missing
// explicit one is.
func LoadWithDotEnv(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}
	return Load()
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	callbackTimeout, err := getDuration("CALLBACK_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid CALLBACK_TIMEOUT: %w", err)
	}

	runRetention, err := getDuration("RUN_RETENTION", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid RUN_RETENTION: %w", err)
	}

	retentionInterval, err := getDuration("RETENTION_INTERVAL", 1*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid RETENTION_INTERVAL: %w", err)
	}
	if retentionInterval <= 0 {
		return nil, fmt.Errorf("invalid RETENTION_INTERVAL: must be positive")
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	polygonRate, err := getFloat("POLYGON_RATE_LIMIT", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid POLYGON_RATE_LIMIT: %w", err)
	}
	if polygonRate <= 0 {
		return nil, fmt.Errorf("invalid POLYGON_RATE_LIMIT: must be positive")
	}

	pageLimit, err := getInt("POLYGON_PAGE_LIMIT", marketdata.DefaultPolygonPageLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid POLYGON_PAGE_LIMIT: %w", err)
	}
	if pageLimit < 1 || pageLimit > marketdata.DefaultPolygonPageLimit {
		return nil, fmt.Errorf("invalid POLYGON_PAGE_LIMIT: must be between 1 and %d", marketdata.DefaultPolygonPageLimit)
	}

	maxPages, err := getInt("POLYGON_MAX_PAGES", marketdata.DefaultPolygonMaxPages)
	if err != nil {
		return nil, fmt.Errorf("invalid POLYGON_MAX_PAGES: %w", err)
	}
	if maxPages < 1 {
		return nil, fmt.Errorf("invalid POLYGON_MAX_PAGES: must be positive")
	}

	return &Config{
		Port:              port,
		LogLevel:          logLevel,
		CallbackTimeout:   callbackTimeout,
		RunRetention:      runRetention,
		RetentionInterval: retentionInterval,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ShutdownTimeout:   shutdownTimeout,
		SamplesDB:         getStr("SAMPLES_DB", ""),
		PolygonAPIKey:     getStr("POLYGON_API_KEY", ""),
		PolygonBaseURL:    getStr("POLYGON_BASE_URL", ""),
		PolygonRateLimit:  polygonRate,
		PolygonPageLimit:  pageLimit,
		PolygonMaxPages:   maxPages,
	}, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
