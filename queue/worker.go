package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"flow.evalgo.org/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// WorkerState tracks the worker lifecycle.
type WorkerState int32

const (
	WorkerCreated WorkerState = iota
	WorkerRunning
	WorkerDraining
	WorkerClosed
)

// String returns the state name.
func (s WorkerState) String() string {
	switch s {
	case WorkerCreated:
		return "created"
	case WorkerRunning:
		return "running"
	case WorkerDraining:
		return "draining"
	case WorkerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// panicError carries the recovered value and stack of a handler panic so
// the dead-letter record can preserve both.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

// Worker consumes one queue. It runs Concurrency fetch loops plus a
// promoter that moves due delayed jobs back to the wait list, and applies
// the retry and dead-letter policy when the handler fails. Jobs are fetched
// only while running; draining lets in-flight jobs finish.
type Worker struct {
	id      string
	client  *Client
	handle  *queueHandle
	handler Handler
	logger  *logrus.Entry

	state    atomic.Int32
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func newWorker(c *Client, handle *queueHandle, handler Handler) *Worker {
	id := uuid.New().String()
	return &Worker{
		id:      id,
		client:  c,
		handle:  handle,
		handler: handler,
		logger: c.logger.WithFields(logrus.Fields{
			"worker": id,
			"queue":  handle.name,
		}),
		stopChan: make(chan struct{}),
	}
}

// ID returns the worker's identity.
func (w *Worker) ID() string {
	return w.id
}

// Queue returns the name of the queue the worker consumes.
func (w *Worker) Queue() string {
	return w.handle.name
}

// State returns the worker's lifecycle state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// start spawns the fetch loops and the delayed-job promoter.
func (w *Worker) start() {
	if !w.state.CompareAndSwap(int32(WorkerCreated), int32(WorkerRunning)) {
		return
	}

	for i := 0; i < w.client.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.runLoop()
	}

	w.wg.Add(1)
	go w.promoteLoop()

	w.logger.WithField("concurrency", w.client.cfg.Concurrency).Info("Worker started")
}

func (w *Worker) runLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return
		default:
		}

		job, err := w.fetch()
		if err != nil {
			w.logger.WithError(err).Warn("Failed to fetch job")
			select {
			case <-w.stopChan:
				return
			case <-time.After(w.client.cfg.FetchTimeout):
			}
			continue
		}
		if job == nil {
			continue // timeout, no job available
		}

		w.process(job)
	}
}

// fetch blocks up to FetchTimeout for the next waiting job. A fresh context
// per call keeps long-lived workers independent of construction-time
// contexts; the extra second of context headroom lets the blocking pop
// return redis.Nil on its own.
func (w *Worker) fetch() (*Job, error) {
	timeout := w.client.cfg.FetchTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	result, err := w.client.rdb.BLPop(ctx, timeout, w.handle.keys.wait).Result()
	if err == redis.Nil {
		return nil, nil // timeout, no job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (w *Worker) process(job *Job) {
	var data JobData
	_ = job.UnmarshalData(&data)

	fields := logrus.Fields(common.JobFields(job.ID, w.handle.name, job.Name))
	if data.URN != "" {
		fields["urn"] = data.URN
	}
	log := w.logger.WithFields(fields)
	log.Info("Processing job")

	ctx := context.Background()

	if err := w.client.rdb.ZAdd(ctx, w.handle.keys.active, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		log.WithError(err).Warn("Failed to mark job active")
	}

	err := w.invoke(ctx, job)

	if zerr := w.client.rdb.ZRem(ctx, w.handle.keys.active, job.ID).Err(); zerr != nil {
		log.WithError(zerr).Warn("Failed to unmark active job")
	}

	if err == nil {
		keep := resolveRetention(job.Opts.RemoveOnComplete, w.client.cfg.DefaultJobOptions.RemoveOnComplete)
		w.recordResult(ctx, job, w.handle.keys.completed, keep)
		log.Info("Job completed")
		return
	}

	w.handleFailure(ctx, job, err, log)
}

// invoke runs the handler, converting panics into job failures so one bad
// job cannot kill the worker.
func (w *Worker) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = &panicError{value: r, stack: buf[:n]}
		}
	}()
	return w.handler(ctx, job)
}

// handleFailure applies the retry schedule and, once attempts are
// exhausted, records the job as failed and emits the dead-letter job.
func (w *Worker) handleFailure(ctx context.Context, job *Job, jobErr error, log *logrus.Entry) {
	maxAttempts := job.Opts.Attempts
	if maxAttempts <= 0 {
		maxAttempts = w.client.cfg.DefaultJobOptions.Attempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	current := job.AttemptsMade + 1

	if current < maxAttempts {
		job.AttemptsMade = current
		delay := backoffDelay(job.Opts.Backoff, current)
		rerr := w.requeue(ctx, job, delay)
		if rerr == nil {
			log.WithError(jobErr).WithFields(logrus.Fields{
				"attempt":      current,
				"max_attempts": maxAttempts,
				"delay":        delay.String(),
			}).Warn("Job failed, retry scheduled")
			return
		}
		// The job was already popped from the wait list and now exists only
		// in memory. Fall through to the failed record and the DLQ so the
		// failure context survives instead of the job vanishing.
		log.WithError(rerr).Error("Failed to schedule retry, treating job as exhausted")
	}

	job.AttemptsMade = current
	keep := resolveRetention(job.Opts.RemoveOnFail, w.client.cfg.DefaultJobOptions.RemoveOnFail)
	w.recordResult(ctx, job, w.handle.keys.failed, keep)
	log.WithError(jobErr).WithField("attempts", current).Error("Job failed permanently")

	if w.client.cfg.DeadLetterQueue.Enabled {
		w.writeDLQ(ctx, job, jobErr)
	}
}

// requeue puts the job back for its next attempt, through the delayed set
// when the backoff asks for a wait.
func (w *Worker) requeue(ctx context.Context, job *Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if delay <= 0 {
		if err := w.client.rdb.RPush(ctx, w.handle.keys.wait, payload).Err(); err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}
		return nil
	}

	readyAt := time.Now().Add(delay).UnixMilli()
	if err := w.client.rdb.ZAdd(ctx, w.handle.keys.delayed, redis.Z{
		Score:  float64(readyAt),
		Member: payload,
	}).Err(); err != nil {
		return fmt.Errorf("failed to delay job: %w", err)
	}
	return nil
}

// recordResult pushes the finished job onto a retention list. keep 0 records
// nothing, RetainAll skips the trim.
func (w *Worker) recordResult(ctx context.Context, job *Job, key string, keep int) {
	if keep == 0 {
		return
	}

	payload, err := json.Marshal(job)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to marshal job record")
		return
	}
	if err := w.client.rdb.LPush(ctx, key, payload).Err(); err != nil {
		w.logger.WithError(err).Warn("Failed to record job result")
		return
	}
	if keep > 0 {
		if err := w.client.rdb.LTrim(ctx, key, 0, int64(keep)-1).Err(); err != nil {
			w.logger.WithError(err).Warn("Failed to trim job records")
		}
	}
}

func resolveRetention(opt, fallback *int) int {
	if opt != nil {
		return *opt
	}
	if fallback != nil {
		return *fallback
	}
	return 0
}

// writeDLQ copies the exhausted job into the dead-letter queue with full
// failure context. Write failures are logged and swallowed, never surfaced
// to the caller.
func (w *Worker) writeDLQ(ctx context.Context, job *Job, jobErr error) {
	cfg := w.client.cfg
	dlqName := w.handle.name + cfg.DeadLetterQueue.Suffix
	keys := newQueueKeys(cfg.KeyPrefix, dlqName)

	var data JobData
	_ = job.UnmarshalData(&data)

	record := DLQRecord{
		OriginalJobID:   job.ID,
		OriginalJobName: job.Name,
		OriginalData:    job.Data,
		Error:           DLQError{Message: jobErr.Error()},
		FailedAt:        time.Now().UTC(),
		AttemptsMade:    job.AttemptsMade,
	}
	var pe *panicError
	if errors.As(jobErr, &pe) {
		record.Error.Stack = string(pe.stack)
	}

	raw, err := json.Marshal(record)
	if err != nil {
		w.logger.WithError(err).Error("Failed to marshal dead-letter record")
		return
	}

	retain := RetainAll
	dlqJob := &Job{
		ID:    fmt.Sprintf("%s-%s-%d", job.Name, data.URN, time.Now().UnixMilli()),
		Name:  job.Name,
		Queue: dlqName,
		Data:  raw,
		Opts: JobOptions{
			Attempts:         1,
			RemoveOnComplete: &retain,
			RemoveOnFail:     &retain,
		},
		EnqueuedAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(dlqJob)
	if err != nil {
		w.logger.WithError(err).Error("Failed to marshal dead-letter job")
		return
	}

	if err := w.client.rdb.RPush(ctx, keys.wait, payload).Err(); err != nil {
		w.logger.WithError(err).WithField("dlq", dlqName).Error("Failed to write dead-letter job")
		return
	}

	w.logger.WithFields(logrus.Fields{
		"dlq":    dlqName,
		"job_id": job.ID,
	}).Info("Job moved to dead-letter queue")
}

func (w *Worker) promoteLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.client.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.promoteDue()
		}
	}
}

// promoteDue moves delayed jobs whose ready time has passed back to the
// wait list. ZRem claims each member, so a racing promoter never promotes
// the same job twice.
func (w *Worker) promoteDue() {
	ctx, cancel := context.WithTimeout(context.Background(), w.client.cfg.FetchTimeout)
	defer cancel()

	max := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := w.client.rdb.ZRangeByScore(ctx, w.handle.keys.delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		w.logger.WithError(err).Warn("Failed to scan delayed jobs")
		return
	}

	for _, member := range members {
		removed, err := w.client.rdb.ZRem(ctx, w.handle.keys.delayed, member).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := w.client.rdb.RPush(ctx, w.handle.keys.wait, member).Err(); err != nil {
			w.logger.WithError(err).Warn("Failed to promote delayed job")
		}
	}
}

// drain stops fetching, then waits for in-flight jobs up to the timeout or
// the context deadline, whichever ends first. A worker that never started
// closes immediately without passing through draining.
func (w *Worker) drain(ctx context.Context, timeout time.Duration) {
	if w.state.CompareAndSwap(int32(WorkerCreated), int32(WorkerClosed)) {
		w.stopOnce.Do(func() { close(w.stopChan) })
		return
	}
	if !w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerDraining)) {
		return // already draining or closed
	}
	w.stopOnce.Do(func() { close(w.stopChan) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker drained")
	case <-time.After(timeout):
		w.logger.Warn("Timed out waiting for in-flight jobs")
	case <-ctx.Done():
		w.logger.Warn("Shutdown context cancelled while draining")
	}

	w.state.Store(int32(WorkerClosed))
}
