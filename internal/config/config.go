package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete application configuration. Values come from an
// optional YAML file overridden by SRAG_* environment variables.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Paths    PathsConfig    `yaml:"paths" envconfig:"PATHS"`
	Pipeline PipelineConfig `yaml:"pipeline" envconfig:"PIPELINE"`
	Sources  SourcesConfig  `yaml:"sources" envconfig:"SOURCES"`
}

// LoggingConfig configures the global slog logger.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/etl.log"`
}

// PathsConfig holds filesystem locations for cache and persisted state.
type PathsConfig struct {
	DataDir      string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data" validate:"required"`
	CacheDir     string `yaml:"cache_dir" envconfig:"CACHE_DIR" default:"data/cache" validate:"required"`
	DatabaseFile string `yaml:"database_file" envconfig:"DATABASE_FILE" default:"data/srag.db" validate:"required"`
	ExportDir    string `yaml:"export_dir" envconfig:"EXPORT_DIR" default:"data/exports"`
}

// PipelineConfig tunes stage execution.
type PipelineConfig struct {
	// Workers validating rows in parallel. Row validation is stateless, so
	// this only bounds CPU use.
	ValidationWorkers int `yaml:"validation_workers" envconfig:"VALIDATION_WORKERS" default:"4" validate:"min=1,max=64"`

	// Rows per repository transaction. A batch commits fully or not at all.
	BatchSize int `yaml:"batch_size" envconfig:"BATCH_SIZE" default:"500" validate:"min=1"`

	// In-place retries per stage before the run moves to failed.
	StageAttempts int `yaml:"stage_attempts" envconfig:"STAGE_ATTEMPTS" default:"3" validate:"min=1,max=10"`

	// Run fails with QUALITY_GATE_FAILED when rejected/total exceeds this.
	MaxRejectedFraction float64 `yaml:"max_rejected_fraction" envconfig:"MAX_REJECTED_FRACTION" default:"0.2" validate:"min=0,max=1"`

	// Concurrent years for --all-years runs.
	MaxConcurrentYears int `yaml:"max_concurrent_years" envconfig:"MAX_CONCURRENT_YEARS" default:"2" validate:"min=1,max=16"`
}

// SourcesConfig configures the origin the fetcher downloads extracts from.
type SourcesConfig struct {
	// Per-year URL overrides. Years absent here use the built-in origin
	// table in internal/fetch.
	URLOverrides map[int]string `yaml:"url_overrides" ignored:"true"`

	RequestsPerSecond float64       `yaml:"requests_per_second" envconfig:"REQUESTS_PER_SECOND" default:"1" validate:"gt=0"`
	RetryAttempts     int           `yaml:"retry_attempts" envconfig:"RETRY_ATTEMPTS" default:"3" validate:"min=1,max=10"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" envconfig:"RETRY_INITIAL_DELAY" default:"2s"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" envconfig:"RETRY_MAX_DELAY" default:"60s"`
	DownloadTimeout   time.Duration `yaml:"download_timeout" envconfig:"DOWNLOAD_TIMEOUT" default:"30m"`
}

// Load builds the configuration from the optional YAML file at configPath
// (skipped when empty or missing) and SRAG_* environment variables, then
// validates it and ensures directories exist.
func Load(configPath string) (*Config, error) {
	var cfg Config

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Environment takes precedence over the file; envconfig also fills
	// defaults for anything still zero.
	if err := envconfig.Process("SRAG", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.ensureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func (c *Config) ensureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.CacheDir, filepath.Dir(c.Paths.DatabaseFile)}
	if c.Paths.ExportDir != "" {
		dirs = append(dirs, c.Paths.ExportDir)
	}
	if c.Logging.Output != "console" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
