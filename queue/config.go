package queue

import (
	"time"

	"flow.evalgo.org/common"
	"github.com/sirupsen/logrus"
)

// Connection describes how to reach the Redis server backing the queues.
type Connection struct {
	Host     string
	Port     int
	Password string
	DB       int
	TLS      bool
}

// DLQConfig controls dead-letter queue emission. When enabled, a job that
// exhausts its attempts is copied into the queue named
// <original><Suffix> with full failure context.
type DLQConfig struct {
	Enabled bool
	Suffix  string
}

// Config holds configuration for the queue client.
type Config struct {
	Connection        Connection
	DefaultJobOptions JobOptions
	DeadLetterQueue   DLQConfig

	// KeyPrefix namespaces every Redis key the client touches.
	KeyPrefix string

	// Concurrency is the number of jobs one worker processes in parallel.
	Concurrency int

	// FetchTimeout bounds each blocking dequeue.
	FetchTimeout time.Duration

	// PromoteInterval is how often delayed jobs are checked for readiness.
	PromoteInterval time.Duration

	// ShutdownTimeout bounds the wait for in-flight jobs during shutdown.
	ShutdownTimeout time.Duration

	// Logger for queue messages
	Logger *logrus.Entry
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Connection: Connection{
			Host: "localhost",
			Port: 6379,
		},
		DefaultJobOptions: JobOptions{
			Attempts:         3,
			Backoff:          &Backoff{Type: BackoffExponential, Delay: 30000},
			RemoveOnComplete: common.Ptr(1000),
			RemoveOnFail:     common.Ptr(5000),
		},
		DeadLetterQueue: DLQConfig{
			Enabled: false,
			Suffix:  "-dlq",
		},
		KeyPrefix:       "flow:",
		Concurrency:     1,
		FetchTimeout:    2 * time.Second,
		PromoteInterval: 1 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	defaults := DefaultConfig()

	if c.KeyPrefix == "" {
		c.KeyPrefix = defaults.KeyPrefix
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaults.FetchTimeout
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = defaults.PromoteInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.DeadLetterQueue.Suffix == "" {
		c.DeadLetterQueue.Suffix = defaults.DeadLetterQueue.Suffix
	}
	if c.DefaultJobOptions.Attempts <= 0 {
		c.DefaultJobOptions.Attempts = defaults.DefaultJobOptions.Attempts
	}
	if c.DefaultJobOptions.Backoff == nil {
		c.DefaultJobOptions.Backoff = defaults.DefaultJobOptions.Backoff
	}
	if c.DefaultJobOptions.RemoveOnComplete == nil {
		c.DefaultJobOptions.RemoveOnComplete = defaults.DefaultJobOptions.RemoveOnComplete
	}
	if c.DefaultJobOptions.RemoveOnFail == nil {
		c.DefaultJobOptions.RemoveOnFail = defaults.DefaultJobOptions.RemoveOnFail
	}

	return c
}
