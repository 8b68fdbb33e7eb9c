package domain

import "time"

// JobStatus is the lifecycle state of an asynchronous job.
type JobStatus string

// Job status values. Completed and failed are terminal.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job tracks the progress of an asynchronous bulk operation. Jobs live
// only in process memory; the operations they describe are durable on
// their own.
type Job struct {
	ID        string         `json:"job_id"`
	Type      string         `json:"job_type"`
	Status    JobStatus      `json:"status"`
	Progress  *float64       `json:"progress"`
	Result    map[string]any `json:"result"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
