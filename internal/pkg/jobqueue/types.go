package jobqueue

import (
	"time"

	"github.com/ManuelReschke/EntitleFox/internal/pkg/billing"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeReprocessEvent JobType = "reprocess_event"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job is a deferred billing event waiting for another pipeline run.
type Job struct {
	ID          string               `json:"id"`
	Type        JobType              `json:"type"`
	Status      JobStatus            `json:"status"`
	Event       billing.BillingEvent `json:"event"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	ProcessedAt *time.Time           `json:"processed_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	ErrorMsg    string               `json:"error_msg,omitempty"`
	RetryCount  int                  `json:"retry_count"`
	MaxRetries  int                  `json:"max_retries"`
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}

// MarkAsAbandoned fails the job for good; no further retries happen.
func (j *Job) MarkAsAbandoned(errorMsg string) {
	j.MarkAsFailed(errorMsg)
	j.RetryCount = j.MaxRetries
}
