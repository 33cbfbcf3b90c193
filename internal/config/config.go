package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBDriver    = "sqlite"
	defaultDBPath      = "crucible.db"
	defaultCatalogPath = "catalog.yaml"
	defaultKafkaTopic  = "crucible.runs"

	envListenAddr   = "CRUCIBLE_LISTEN_ADDR"
	envDBDriver     = "CRUCIBLE_DB_DRIVER"
	envDBPath       = "CRUCIBLE_DB_PATH"
	envDBURL        = "CRUCIBLE_DB_URL"
	envLogLevel     = "CRUCIBLE_LOG_LEVEL"
	envCatalogPath  = "CRUCIBLE_CATALOG_PATH"
	envOutputDir    = "CRUCIBLE_OUTPUT_DIR"
	envQueueSize    = "CRUCIBLE_QUEUE_SIZE"
	envKafkaBrokers = "CRUCIBLE_KAFKA_BROKERS"
	envKafkaTopic   = "CRUCIBLE_KAFKA_TOPIC"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr  string
	DBDriver    string
	DBPath      string
	DBURL       string
	LogLevel    slog.Level
	CatalogPath string
	// OutputDir is the base directory for per-run output directories.
	// Empty means the engine picks a temp-dir default.
	OutputDir string
	// QueueSize caps the number of queued runs. Zero means the engine's
	// default capacity.
	QueueSize int
	// KafkaBrokers enables the Kafka notification sink when non-empty.
	KafkaBrokers []string
	KafkaTopic   string
}

// DSN returns the data source string for the configured database driver.
func (c Config) DSN() string {
	if c.DBDriver == "postgres" {
		return c.DBURL
	}
	return c.DBPath
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:  defaultListenAddr,
		DBDriver:    defaultDBDriver,
		DBPath:      defaultDBPath,
		LogLevel:    slog.LevelInfo,
		CatalogPath: defaultCatalogPath,
		KafkaTopic:  defaultKafkaTopic,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBDriver); v != "" {
		cfg.DBDriver = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envDBURL); v != "" {
		cfg.DBURL = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envCatalogPath); v != "" {
		cfg.CatalogPath = v
	}
	if v := os.Getenv(envOutputDir); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv(envQueueSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QueueSize = n
		}
	}
	if v := os.Getenv(envKafkaBrokers); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if v := os.Getenv(envKafkaTopic); v != "" {
		cfg.KafkaTopic = v
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
