package queue

import (
	"encoding/json"
	"time"
)

// RetainAll as a retention count keeps every completed or failed job record.
const RetainAll = -1

// BackoffKind selects the retry delay schedule.
type BackoffKind string

const (
	// BackoffExponential doubles the delay on every failed attempt.
	BackoffExponential BackoffKind = "exponential"
	// BackoffFixed waits the same delay between every attempt.
	BackoffFixed BackoffKind = "fixed"
)

// Backoff describes the retry delay schedule of a job. Delay is in
// milliseconds.
type Backoff struct {
	Type  BackoffKind `json:"type"`
	Delay int64       `json:"delay"`
}

// JobOptions control retry and retention behavior of a job. Zero values
// mean "use the client's configured default"; retention pointers distinguish
// unset (nil) from an explicit 0 (never recorded) or RetainAll.
type JobOptions struct {
	Attempts         int      `json:"attempts,omitempty"`
	Backoff          *Backoff `json:"backoff,omitempty"`
	RemoveOnComplete *int     `json:"removeOnComplete,omitempty"`
	RemoveOnFail     *int     `json:"removeOnFail,omitempty"`
	JobID            string   `json:"jobId,omitempty"`
}

// Job is the queue envelope. Data carries the application payload opaquely;
// AttemptsMade counts finished deliveries, so a job being processed for the
// n-th time carries AttemptsMade n-1.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Queue        string          `json:"queueName"`
	Data         json.RawMessage `json:"data"`
	Opts         JobOptions      `json:"opts"`
	AttemptsMade int             `json:"attemptsMade"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
}

// UnmarshalData decodes the job's data into v.
func (j *Job) UnmarshalData(v any) error {
	if len(j.Data) == 0 {
		return nil
	}
	return json.Unmarshal(j.Data, v)
}

// JobData is the wire shape of workflow job payloads:
// {"urn": "...", "payload": ...}.
type JobData struct {
	URN     string `json:"urn"`
	Payload any    `json:"payload,omitempty"`
}

// DLQError captures the failure that exhausted a job's attempts.
type DLQError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// DLQRecord is the data of a dead-letter job. It carries the full failure
// context of the original job and is retained indefinitely.
type DLQRecord struct {
	OriginalJobID   string          `json:"originalJobId"`
	OriginalJobName string          `json:"originalJobName"`
	OriginalData    json.RawMessage `json:"originalData"`
	Error           DLQError        `json:"error"`
	FailedAt        time.Time       `json:"failedAt"`
	AttemptsMade    int             `json:"attemptsMade"`
}

// backoffDelay computes the wait before the retry following failed attempt
// number attempt (1-based).
func backoffDelay(b *Backoff, attempt int) time.Duration {
	if b == nil || b.Delay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	switch b.Type {
	case BackoffExponential:
		return time.Duration(b.Delay<<uint(attempt-1)) * time.Millisecond
	default:
		return time.Duration(b.Delay) * time.Millisecond
	}
}
