package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultWorkers is the default worker pool width.
	DefaultWorkers = 5

	// DefaultMaxRetries is the default number of attempts for service calls.
	DefaultMaxRetries = 5

	// DefaultTestPrefix is the default storage prefix for isolated test output.
	DefaultTestPrefix = "EXCEL_BUG_TEST"

	// DefaultDumpProcessor is the processor name of a pipeline's terminal dump step.
	DefaultDumpProcessor = "bcodmo_pipeline_processors.dump_to_s3"

	// DefaultOutputFile is the default path of the persisted run summary.
	DefaultOutputFile = "actual_buggy_pipelines.json"

	// DefaultPollInterval is the default delay between status polls.
	DefaultPollInterval = time.Second

	// DefaultRetryDelay is the default backoff between service call retries.
	DefaultRetryDelay = time.Second

	// DefaultHeartbeatInterval is how often long-running polls log progress.
	DefaultHeartbeatInterval = 60 * time.Second

	// DefaultGracePeriod is how long workers get to wind down after an interrupt.
	DefaultGracePeriod = 10 * time.Second
)

// Config is the root configuration for regressoor.
type Config struct {
	Global  GlobalConfig   `yaml:"global" mapstructure:"global"`
	Service ServiceConfig  `yaml:"service" mapstructure:"service"`
	Storage StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Check   CheckConfig    `yaml:"check" mapstructure:"check"`
	History *HistoryConfig `yaml:"history,omitempty" mapstructure:"history"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ServiceConfig contains the pipeline execution service settings.
type ServiceConfig struct {
	EndpointURL        string        `yaml:"endpoint_url" mapstructure:"endpoint_url"`
	APIKey             string        `yaml:"api_key,omitempty" mapstructure:"api_key"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
	MaxRetries         int           `yaml:"max_retries,omitempty" mapstructure:"max_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay,omitempty" mapstructure:"retry_delay"`
	RequestsPerSecond  float64       `yaml:"requests_per_second,omitempty" mapstructure:"requests_per_second"`
}

// StorageConfig contains S3-compatible object storage settings.
type StorageConfig struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// CheckConfig contains settings for the regression check run itself.
type CheckConfig struct {
	TasksFile             string        `yaml:"tasks_file" mapstructure:"tasks_file"`
	OutputFile            string        `yaml:"output_file,omitempty" mapstructure:"output_file"`
	Workers               int           `yaml:"workers,omitempty" mapstructure:"workers"`
	PollInterval          time.Duration `yaml:"poll_interval,omitempty" mapstructure:"poll_interval"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval,omitempty" mapstructure:"heartbeat_interval"`
	GracePeriod           time.Duration `yaml:"grace_period,omitempty" mapstructure:"grace_period"`
	TestPrefix            string        `yaml:"test_prefix,omitempty" mapstructure:"test_prefix"`
	DumpProcessor         string        `yaml:"dump_processor,omitempty" mapstructure:"dump_processor"`
	PreserveMissingValues *bool         `yaml:"preserve_missing_values,omitempty" mapstructure:"preserve_missing_values"`
}

// HistoryConfig configures the optional run history store.
type HistoryConfig struct {
	Enabled  bool           `yaml:"enabled" mapstructure:"enabled"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// Load reads and parses a configuration file from the given path.
// Environment variables prefixed with REGRESSOOR_ override file values
// (e.g. REGRESSOOR_SERVICE_API_KEY overrides service.api_key).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("REGRESSOOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The API key is usually injected via the environment rather than
	// committed to a config file.
	if err := v.BindEnv("service.api_key", "REGRESSOOR_SERVICE_API_KEY", "BCODMO_API_KEY"); err != nil {
		return nil, fmt.Errorf("binding api key env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Service.MaxRetries <= 0 {
		c.Service.MaxRetries = DefaultMaxRetries
	}

	if c.Service.RetryDelay <= 0 {
		c.Service.RetryDelay = DefaultRetryDelay
	}

	if c.Check.Workers <= 0 {
		c.Check.Workers = DefaultWorkers
	}

	if c.Check.PollInterval <= 0 {
		c.Check.PollInterval = DefaultPollInterval
	}

	if c.Check.HeartbeatInterval <= 0 {
		c.Check.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.Check.GracePeriod <= 0 {
		c.Check.GracePeriod = DefaultGracePeriod
	}

	if c.Check.TestPrefix == "" {
		c.Check.TestPrefix = DefaultTestPrefix
	}

	if c.Check.DumpProcessor == "" {
		c.Check.DumpProcessor = DefaultDumpProcessor
	}

	if c.Check.OutputFile == "" {
		c.Check.OutputFile = DefaultOutputFile
	}

	if c.Check.PreserveMissingValues == nil {
		preserve := true
		c.Check.PreserveMissingValues = &preserve
	}

	if c.History != nil && c.History.Enabled && c.History.Database.Driver == "" {
		c.History.Database.Driver = "sqlite"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Service.EndpointURL == "" {
		return fmt.Errorf("service.endpoint_url is required")
	}

	if c.Service.APIKey == "" {
		return fmt.Errorf("service.api_key is required (set BCODMO_API_KEY)")
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}

	if c.Check.TasksFile == "" {
		return fmt.Errorf("check.tasks_file is required")
	}

	if strings.Contains(c.Check.TestPrefix, "//") || strings.HasPrefix(c.Check.TestPrefix, "/") {
		return fmt.Errorf("check.test_prefix %q must be a relative storage prefix", c.Check.TestPrefix)
	}

	if c.History != nil && c.History.Enabled {
		switch c.History.Database.Driver {
		case "sqlite":
			if c.History.Database.SQLite.Path == "" {
				return fmt.Errorf("history.database.sqlite.path is required for the sqlite driver")
			}
		case "postgres":
			if c.History.Database.Postgres.Host == "" {
				return fmt.Errorf("history.database.postgres.host is required for the postgres driver")
			}
		default:
			return fmt.Errorf("unsupported history database driver: %s", c.History.Database.Driver)
		}
	}

	return nil
}
