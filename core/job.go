package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus values match what the public API reports.
type JobStatus string

const (
	JobStatusInQueue    JobStatus = "IN_QUEUE"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
	JobStatusTimedOut   JobStatus = "TIMED_OUT"
)

func (s JobStatus) String() string { return string(s) }

// Terminal statuses are sticky; late results for them are dropped.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimedOut:
		return true
	}
	return false
}

// Error type names carried in JobError.Type for failures produced by the
// node itself rather than by task code.
const (
	ErrorTypePayload     = "PayloadError"
	ErrorTypeTaskUnknown = "TaskNotFound"
	ErrorTypeTimeout     = "Timeout"
	ErrorTypeCancelled   = "Cancelled"
	ErrorTypePanic       = "Panic"
	ErrorTypeInterrupted = "Interrupted"
	ErrorTypeWorker      = "WorkerError"
)

// JobError is the structured failure reported to clients: message, the
// error's type name and, when available, a stack trace.
type JobError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Traceback string `json:"traceback,omitempty"`
}

func (e *JobError) Error() string {
	return e.Type + ": " + e.Message
}

// ExecutionStats is attached to every job result, success or failure.
// Duration is seconds; memory values are bytes (GPU is the allocation
// high-water mark over the run, CPU is process RSS).
type ExecutionStats struct {
	StartTime time.Time `json:"-"`
	EndTime   time.Time `json:"-"`
	Duration  float64   `json:"duration"`
	GPUMemory uint64    `json:"gpu_memory"`
	CPUMemory uint64    `json:"cpu_memory"`
}

func (s ExecutionStats) Took() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// JobResult is the terminal outcome of a job. Exactly one of Output and
// Error is set. Artifacts are auxiliary files produced by the task,
// keyed by file name.
type JobResult struct {
	Output *EncodedValue  `json:"output,omitempty"`
	Error  *JobError      `json:"error,omitempty"`
	Stats  ExecutionStats `json:"stats"`

	Artifacts map[string][]byte `json:"-"`
}

type Job struct {
	ID         string
	Task       string
	Runtime    string
	Input      json.RawMessage
	Payload    *JobPayload
	Status     JobStatus
	WorkerID   string
	WebhookURL string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Result *JobResult
}

// DelayTime is how long the job waited in queue, in milliseconds.
func (j *Job) DelayTime() int64 {
	if j.StartedAt.IsZero() {
		return 0
	}
	return j.StartedAt.Sub(j.CreatedAt).Milliseconds()
}

// ExecutionTime is how long the job ran, in milliseconds.
func (j *Job) ExecutionTime() int64 {
	if j.StartedAt.IsZero() || j.CompletedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt).Milliseconds()
}

// RandomJobID generates job IDs; defined as a variable for unit tests.
var RandomJobID = func() string {
	return "job-" + uuid.New().String()
}

// NewJob parses the raw input envelope into a queued job.
func NewJob(input json.RawMessage, webhookURL string) (*Job, error) {
	payload, err := ParsePayload(input)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:         RandomJobID(),
		Task:       payload.Task,
		Runtime:    payload.Runtime,
		Input:      input,
		Payload:    payload,
		Status:     JobStatusInQueue,
		WebhookURL: webhookURL,
		CreatedAt:  time.Now().UTC(),
	}, nil
}
