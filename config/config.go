// Package config provides configuration management for flow services.
//
// This package handles loading configuration from multiple sources with proper precedence:
//   - YAML configuration files
//   - Environment variables (configurable prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (set via SetDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.flow/config.yaml, /etc/flow/config.yaml)
//  3. .env files
//  4. Environment variables (configurable prefix, default: FLOW_)
//
// # Usage Example
//
//	cfg, err := config.LoadConfig("FLOW", "config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger := cfg.Logging.ToLogger()
//	client, err := queue.NewClient(ctx, cfg.Queue.ToQueue())
//
// # Environment Variables
//
// Environment variables override all other configuration sources.
// Use the prefix and underscores for nested keys:
//   - FLOW_QUEUE_CONNECTION_HOST=redis.internal
//   - FLOW_QUEUE_DEAD_LETTER_QUEUE_ENABLED=true
//   - FLOW_LOGGING_LEVEL=debug
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"flow.evalgo.org/common"
	"flow.evalgo.org/queue"
	"flow.evalgo.org/workflow"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ServiceConfig contains service-specific metadata.
type ServiceConfig struct {
	// Name is the service name
	Name string `mapstructure:"name"`

	// Version is the service version
	Version string `mapstructure:"version"`

	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// ConnectionConfig contains the Redis connection settings of the job queue.
type ConnectionConfig struct {
	// Host is the Redis server host
	Host string `mapstructure:"host"`

	// Port is the Redis server port
	Port int `mapstructure:"port"`

	// Password for Redis authentication
	Password string `mapstructure:"password"`

	// DB is the Redis database index
	DB int `mapstructure:"db"`

	// TLS enables encrypted connections
	TLS bool `mapstructure:"tls"`
}

// BackoffConfig describes the retry delay schedule.
type BackoffConfig struct {
	// Type is the schedule kind: exponential or fixed
	Type string `mapstructure:"type"`

	// Delay is the base delay in milliseconds
	Delay int64 `mapstructure:"delay"`
}

// JobOptionsConfig contains the default job options applied on produce.
type JobOptionsConfig struct {
	// Attempts is the maximum number of processing attempts per job
	Attempts int `mapstructure:"attempts"`

	// Backoff is the retry delay schedule
	Backoff BackoffConfig `mapstructure:"backoff"`

	// RemoveOnComplete caps the completed-job retention list (-1 keeps all)
	RemoveOnComplete int `mapstructure:"remove_on_complete"`

	// RemoveOnFail caps the failed-job retention list (-1 keeps all)
	RemoveOnFail int `mapstructure:"remove_on_fail"`
}

// DLQConfig controls dead-letter queue emission.
type DLQConfig struct {
	// Enabled turns dead-letter emission on
	Enabled bool `mapstructure:"enabled"`

	// Suffix names the dead-letter queue: <original><suffix>
	Suffix string `mapstructure:"suffix"`
}

// QueueConfig contains the job queue runtime settings.
type QueueConfig struct {
	// Connection contains the Redis connection settings
	Connection ConnectionConfig `mapstructure:"connection"`

	// DefaultJobOptions are applied to jobs produced without options
	DefaultJobOptions JobOptionsConfig `mapstructure:"default_job_options"`

	// DeadLetterQueue controls quarantine of exhausted jobs
	DeadLetterQueue DLQConfig `mapstructure:"dead_letter_queue"`

	// KeyPrefix namespaces every Redis key
	KeyPrefix string `mapstructure:"key_prefix"`

	// Concurrency is the number of jobs one worker processes in parallel
	Concurrency int `mapstructure:"concurrency"`

	// FetchTimeout bounds each blocking dequeue
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`

	// PromoteInterval is how often delayed jobs are checked for readiness
	PromoteInterval time.Duration `mapstructure:"promote_interval"`

	// ShutdownTimeout bounds the wait for in-flight jobs during shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BindingConfig maps one queue to one workflow event.
type BindingConfig struct {
	// Queue is the queue name
	Queue string `mapstructure:"queue"`

	// Event is the workflow event a job on Queue triggers
	Event string `mapstructure:"event"`
}

// Config is the configuration structure for flow services.
// Services can embed this or use only the sections they need.
type Config struct {
	// Service contains service metadata
	Service ServiceConfig `mapstructure:"service"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging"`

	// Queue contains the job queue runtime settings
	Queue QueueConfig `mapstructure:"queue"`

	// Events are the queue-to-event bindings of the workflow
	Events []BindingConfig `mapstructure:"events"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment prefix.
// The prefix is used for environment variables (e.g., "FLOW" -> "FLOW_QUEUE_CONCURRENCY").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets default configuration values.
// This should be called before Load().
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets standard flow service defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")

	l.v.SetDefault("queue.connection.host", "localhost")
	l.v.SetDefault("queue.connection.port", 6379)
	l.v.SetDefault("queue.connection.db", 0)
	l.v.SetDefault("queue.connection.tls", false)

	l.v.SetDefault("queue.default_job_options.attempts", 3)
	l.v.SetDefault("queue.default_job_options.backoff.type", "exponential")
	l.v.SetDefault("queue.default_job_options.backoff.delay", 30000)
	l.v.SetDefault("queue.default_job_options.remove_on_complete", 1000)
	l.v.SetDefault("queue.default_job_options.remove_on_fail", 5000)

	l.v.SetDefault("queue.dead_letter_queue.enabled", false)
	l.v.SetDefault("queue.dead_letter_queue.suffix", "-dlq")

	l.v.SetDefault("queue.key_prefix", "flow:")
	l.v.SetDefault("queue.concurrency", 1)
	l.v.SetDefault("queue.fetch_timeout", "2s")
	l.v.SetDefault("queue.promote_interval", "1s")
	l.v.SetDefault("queue.shutdown_timeout", "30s")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (with prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func (l *Loader) Load(cfgFile string, target interface{}) error {
	// Set config file
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.flow")
		l.v.AddConfigPath("/etc/flow")
	}

	// Read config file
	if err := l.v.ReadInConfig(); err != nil {
		// Only fail on non-NotFound errors for explicit file paths
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// For auto-discovery, only fail on non-NotFound errors
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig() // Ignore if .env doesn't exist

	// Setup environment variable binding
	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// Unmarshal into target
	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig is a convenience function that loads configuration with standard defaults.
// The envPrefix is used for environment variables (e.g., "FLOW" -> "FLOW_QUEUE_CONCURRENCY").
func LoadConfig(envPrefix, cfgFile string) (*Config, error) {
	loader := NewLoader(envPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Queue.Connection.Port < 1 || cfg.Queue.Connection.Port > 65535 {
		return fmt.Errorf("invalid redis port: %d", cfg.Queue.Connection.Port)
	}
	if cfg.Queue.DefaultJobOptions.Attempts < 1 {
		return fmt.Errorf("invalid attempts: %d", cfg.Queue.DefaultJobOptions.Attempts)
	}
	switch cfg.Queue.DefaultJobOptions.Backoff.Type {
	case string(queue.BackoffExponential), string(queue.BackoffFixed):
	default:
		return fmt.Errorf("invalid backoff type: %q", cfg.Queue.DefaultJobOptions.Backoff.Type)
	}
	if cfg.Queue.Concurrency < 1 {
		return fmt.Errorf("invalid concurrency: %d", cfg.Queue.Concurrency)
	}

	seen := make(map[string]struct{}, len(cfg.Events))
	for _, binding := range cfg.Events {
		if binding.Queue == "" || binding.Event == "" {
			return fmt.Errorf("event binding needs both queue and event: %+v", binding)
		}
		if _, dup := seen[binding.Queue]; dup {
			return fmt.Errorf("queue %q is bound more than once", binding.Queue)
		}
		seen[binding.Queue] = struct{}{}
	}

	return nil
}

// ToQueue converts the queue section into the queue client's configuration.
// Retention value -1 maps to queue.RetainAll.
func (q *QueueConfig) ToQueue() queue.Config {
	return queue.Config{
		Connection: queue.Connection{
			Host:     q.Connection.Host,
			Port:     q.Connection.Port,
			Password: q.Connection.Password,
			DB:       q.Connection.DB,
			TLS:      q.Connection.TLS,
		},
		DefaultJobOptions: queue.JobOptions{
			Attempts: q.DefaultJobOptions.Attempts,
			Backoff: &queue.Backoff{
				Type:  queue.BackoffKind(q.DefaultJobOptions.Backoff.Type),
				Delay: q.DefaultJobOptions.Backoff.Delay,
			},
			RemoveOnComplete: common.Ptr(q.DefaultJobOptions.RemoveOnComplete),
			RemoveOnFail:     common.Ptr(q.DefaultJobOptions.RemoveOnFail),
		},
		DeadLetterQueue: queue.DLQConfig{
			Enabled: q.DeadLetterQueue.Enabled,
			Suffix:  q.DeadLetterQueue.Suffix,
		},
		KeyPrefix:       q.KeyPrefix,
		Concurrency:     q.Concurrency,
		FetchTimeout:    q.FetchTimeout,
		PromoteInterval: q.PromoteInterval,
		ShutdownTimeout: q.ShutdownTimeout,
	}
}

// ToLogger converts the logging section into a configured logrus logger
// writing through the output splitter. Unset fields keep the standard
// defaults.
func (l *LoggingConfig) ToLogger() *logrus.Logger {
	cfg := common.DefaultLoggerConfig()
	if l.Level != "" {
		cfg.Level = common.LogLevel(l.Level)
	}
	if l.Format != "" {
		cfg.Format = l.Format
	}
	return common.NewLogger(cfg)
}

// ToBindings converts the events section into workflow queue bindings.
func (c *Config) ToBindings() []workflow.Binding {
	bindings := make([]workflow.Binding, 0, len(c.Events))
	for _, b := range c.Events {
		bindings = append(bindings, workflow.Binding{
			Queue: b.Queue,
			Event: workflow.Event(b.Event),
		})
	}
	return bindings
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
