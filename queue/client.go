// Package queue provides a Redis-backed job queue with retry, backoff and
// dead-letter semantics, plus an AMQP broker as the alternate messaging
// backend. Jobs are JSON envelopes; waiting jobs live in a list, delayed
// retries in a sorted set scored by their ready time, and finished jobs in
// capped retention lists.
package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"flow.evalgo.org/common"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrClientClosed is returned by operations invoked after Shutdown.
var ErrClientClosed = errors.New("queue client is closed")

// Handler processes one job. Returning an error schedules a retry or, once
// the attempts are exhausted, records the job as failed.
type Handler func(ctx context.Context, job *Job) error

// queueKeys is the Redis key set of one queue.
type queueKeys struct {
	wait      string
	delayed   string
	active    string
	completed string
	failed    string
}

func newQueueKeys(prefix, name string) queueKeys {
	base := prefix + name
	return queueKeys{
		wait:      base + ":wait",
		delayed:   base + ":delayed",
		active:    base + ":active",
		completed: base + ":completed",
		failed:    base + ":failed",
	}
}

// queueHandle is the lazily created per-queue bookkeeping.
type queueHandle struct {
	name string
	keys queueKeys
}

// Client is the Redis-backed job queue runtime. It hands out lazily created
// queue handles for producing and binds at most one worker per queue for
// consuming. Both maps are mutex-guarded; the Redis connection pool is
// shared by every queue and worker.
type Client struct {
	cfg    Config
	rdb    *redis.Client
	logger *logrus.Entry

	mu      sync.RWMutex
	queues  map[string]*queueHandle
	workers map[string]*Worker
	closed  bool
}

// NewClient connects to Redis and fails fast when the server is
// unreachable. Host and port fall back to FLOW_REDIS_HOST and
// FLOW_REDIS_PORT when unset.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	host := cfg.Connection.Host
	if host == "" {
		host = common.GetEnv("FLOW_REDIS_HOST", "localhost")
	}
	port := cfg.Connection.Port
	if port == 0 {
		port = common.GetEnvInt("FLOW_REDIS_PORT", 6379)
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	opts := &redis.Options{
		Addr:     addr,
		Password: cfg.Connection.Password,
		DB:       cfg.Connection.DB,
	}
	if cfg.Connection.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)

	// Test connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}
	logger = logger.WithField("component", "queue")

	logger.WithFields(logrus.Fields{
		"addr":     addr,
		"db":       cfg.Connection.DB,
		"password": common.MaskSecret(cfg.Connection.Password),
	}).Info("Connected to Redis")

	return &Client{
		cfg:     cfg,
		rdb:     rdb,
		logger:  logger,
		queues:  make(map[string]*queueHandle),
		workers: make(map[string]*Worker),
	}, nil
}

// handle returns the queue bookkeeping, creating it on first use.
func (c *Client) handle(queueName string) (*queueHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if h, ok := c.queues[queueName]; ok {
		return h, nil
	}

	h := &queueHandle{name: queueName, keys: newQueueKeys(c.cfg.KeyPrefix, queueName)}
	c.queues[queueName] = h
	return h, nil
}

// Produce submits a job carrying data to the named queue. Options default
// from the client configuration; the job id is {jobName}-{urn}-{epoch_ms}
// unless opts pins one.
func (c *Client) Produce(ctx context.Context, queueName, jobName string, data JobData, opts *JobOptions) (*Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job data: %w", err)
	}
	return c.produce(ctx, queueName, jobName, data.URN, raw, opts)
}

func (c *Client) produce(ctx context.Context, queueName, jobName, urn string, data json.RawMessage, opts *JobOptions) (*Job, error) {
	handle, err := c.handle(queueName)
	if err != nil {
		return nil, err
	}

	merged := c.jobOptions(opts)
	id := merged.JobID
	if id == "" {
		id = fmt.Sprintf("%s-%s-%d", jobName, urn, time.Now().UnixMilli())
	}

	job := &Job{
		ID:         id,
		Name:       jobName,
		Queue:      queueName,
		Data:       data,
		Opts:       merged,
		EnqueuedAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := c.rdb.RPush(ctx, handle.keys.wait, payload).Err(); err != nil {
		return nil, fmt.Errorf("failed to produce job to queue %s: %w", queueName, err)
	}

	c.logger.WithFields(logrus.Fields(common.JobFields(job.ID, queueName, jobName))).Debug("Job produced")
	return job, nil
}

// jobOptions merges per-job options over the configured defaults.
func (c *Client) jobOptions(opts *JobOptions) JobOptions {
	merged := c.cfg.DefaultJobOptions
	if opts == nil {
		return merged
	}

	out := *opts
	if out.Attempts <= 0 {
		out.Attempts = merged.Attempts
	}
	if out.Backoff == nil {
		out.Backoff = merged.Backoff
	}
	if out.RemoveOnComplete == nil {
		out.RemoveOnComplete = merged.RemoveOnComplete
	}
	if out.RemoveOnFail == nil {
		out.RemoveOnFail = merged.RemoveOnFail
	}
	return out
}

// Consume binds a worker to the named queue and starts it. A queue supports
// exactly one worker; a second registration is an error.
func (c *Client) Consume(queueName string, handler Handler) (*Worker, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required for queue %s", queueName)
	}

	handle, err := c.handle(queueName)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if _, exists := c.workers[queueName]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("queue %s already has a consumer", queueName)
	}
	w := newWorker(c, handle, handler)
	c.workers[queueName] = w
	c.mu.Unlock()

	w.start()
	return w, nil
}

// IsHealthy pings Redis on the shared pooled connection. Repeated calls do
// not open new resources.
func (c *Client) IsHealthy(ctx context.Context) bool {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return false
	}
	return c.rdb.Ping(ctx).Err() == nil
}

// QueueDepth returns the number of jobs waiting in a queue.
func (c *Client) QueueDepth(ctx context.Context, queueName string) (int64, error) {
	handle, err := c.handle(queueName)
	if err != nil {
		return 0, err
	}

	depth, err := c.rdb.LLen(ctx, handle.keys.wait).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of queue %s: %w", queueName, err)
	}
	return depth, nil
}

// JobCounts aggregates the per-state job counts of one queue.
type JobCounts struct {
	Waiting   int64
	Delayed   int64
	Active    int64
	Completed int64
	Failed    int64
}

// Counts returns the per-state job counts of a queue.
func (c *Client) Counts(ctx context.Context, queueName string) (JobCounts, error) {
	handle, err := c.handle(queueName)
	if err != nil {
		return JobCounts{}, err
	}

	waiting, err := c.rdb.LLen(ctx, handle.keys.wait).Result()
	if err != nil {
		return JobCounts{}, fmt.Errorf("failed to count jobs in queue %s: %w", queueName, err)
	}
	delayed, err := c.rdb.ZCard(ctx, handle.keys.delayed).Result()
	if err != nil {
		return JobCounts{}, fmt.Errorf("failed to count jobs in queue %s: %w", queueName, err)
	}
	active, err := c.rdb.ZCard(ctx, handle.keys.active).Result()
	if err != nil {
		return JobCounts{}, fmt.Errorf("failed to count jobs in queue %s: %w", queueName, err)
	}
	completed, err := c.rdb.LLen(ctx, handle.keys.completed).Result()
	if err != nil {
		return JobCounts{}, fmt.Errorf("failed to count jobs in queue %s: %w", queueName, err)
	}
	failed, err := c.rdb.LLen(ctx, handle.keys.failed).Result()
	if err != nil {
		return JobCounts{}, fmt.Errorf("failed to count jobs in queue %s: %w", queueName, err)
	}

	return JobCounts{
		Waiting:   waiting,
		Delayed:   delayed,
		Active:    active,
		Completed: completed,
		Failed:    failed,
	}, nil
}

// Shutdown drains all workers first, letting in-flight jobs finish up to
// ShutdownTimeout, then closes the Redis connection. It is idempotent;
// close errors are logged and swallowed.
func (c *Client) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	workers := make([]*Worker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.drain(ctx, c.cfg.ShutdownTimeout)
		}(w)
	}
	wg.Wait()

	if err := c.rdb.Close(); err != nil {
		c.logger.WithError(err).Warn("Failed to close Redis connection")
	}
	c.logger.Info("Queue client shut down")
}
