package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Minio       MinioConfig     `toml:"minio"`
	Queue       QueueConfig     `toml:"queue"`
	Pipeline    PipelineConfig  `toml:"pipeline"`
	Services    ServicesConfig  `toml:"services"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gt=0,lte=65535"`
	Host string `toml:"host" validate:"required"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

// MinioConfig holds the object store connection settings
type MinioConfig struct {
	Endpoint  string `toml:"endpoint" validate:"required"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket" validate:"required"`
	UseSSL    bool   `toml:"use_ssl"`
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often workers poll for messages
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent workers per queue
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before dead-letter
}

// PipelineConfig contains tunables for the plan-processing stages
type PipelineConfig struct {
	ConfidenceThreshold float64 `toml:"confidence_threshold" validate:"gte=0,lte=1"` // Markers below this surface for review
	MarkerBatchSize     int     `toml:"marker_batch_size" validate:"gt=0"`           // Max markers per storage insert batch
	SplitConcurrency    int     `toml:"split_concurrency" validate:"gt=0"`           // Concurrent page-PDF uploads during split
	RedetectStragglers  bool    `toml:"redetect_stragglers"`                         // Re-run marker detection when late sheets extract
}

// ServicesConfig holds endpoints for the external processing workers.
// All three are containerized HTTP services that may be slow to cold start.
type ServicesConfig struct {
	MetadataURL    string `toml:"metadata_url" validate:"required,url"`
	MarkerURL      string `toml:"marker_url" validate:"required,url"`
	TileURL        string `toml:"tile_url" validate:"required,url"`
	RequestTimeout string `toml:"request_timeout"` // e.g., "2m" - bounded timeout per worker call
}

// SchedulerConfig controls the periodic rollup reconciler
type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // Cron schedule format (with seconds)
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// NewDefaultConfig returns a config populated with sensible defaults.
// File, environment and CLI values layer on top of these.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/sitelink",
				ResetOnStartup: false,
			},
		},
		Minio: MinioConfig{
			Endpoint:  "localhost:9000",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Bucket:    "sitelink-plans",
			UseSSL:    false,
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       4,
			VisibilityTimeout: "5m",
			MaxReceive:        3,
		},
		Pipeline: PipelineConfig{
			ConfidenceThreshold: 0.7,
			MarkerBatchSize:     25,
			SplitConcurrency:    10,
			RedetectStragglers:  false,
		},
		Services: ServicesConfig{
			MetadataURL:    "http://localhost:8091",
			MarkerURL:      "http://localhost:8092",
			TileURL:        "http://localhost:8093",
			RequestTimeout: "2m",
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Schedule: "0 * * * * *", // Every minute (cron format with seconds)
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files. Later files override
// earlier files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the loaded configuration for structural problems
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// QueuePollInterval parses the configured poll interval, falling back to 1s
func (c *Config) QueuePollInterval() time.Duration {
	return parseDuration(c.Queue.PollInterval, 1*time.Second)
}

// QueueVisibilityTimeout parses the configured visibility timeout, falling back to 5m
func (c *Config) QueueVisibilityTimeout() time.Duration {
	return parseDuration(c.Queue.VisibilityTimeout, 5*time.Minute)
}

// ServiceRequestTimeout parses the external worker call timeout, falling back to 2m
func (c *Config) ServiceRequestTimeout() time.Duration {
	return parseDuration(c.Services.RequestTimeout, 2*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SITELINK_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("SITELINK_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("SITELINK_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("SITELINK_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	if endpoint := os.Getenv("SITELINK_MINIO_ENDPOINT"); endpoint != "" {
		config.Minio.Endpoint = endpoint
	}
	if key := os.Getenv("SITELINK_MINIO_ACCESS_KEY"); key != "" {
		config.Minio.AccessKey = key
	}
	if key := os.Getenv("SITELINK_MINIO_SECRET_KEY"); key != "" {
		config.Minio.SecretKey = key
	}
	if bucket := os.Getenv("SITELINK_MINIO_BUCKET"); bucket != "" {
		config.Minio.Bucket = bucket
	}

	if u := os.Getenv("SITELINK_METADATA_SERVICE_URL"); u != "" {
		config.Services.MetadataURL = u
	}
	if u := os.Getenv("SITELINK_MARKER_SERVICE_URL"); u != "" {
		config.Services.MarkerURL = u
	}
	if u := os.Getenv("SITELINK_TILE_SERVICE_URL"); u != "" {
		config.Services.TileURL = u
	}

	if level := os.Getenv("SITELINK_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}
