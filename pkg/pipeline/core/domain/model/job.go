package model

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a background job.
type JobState string

const (
	JobStateQueued              JobState = "QUEUED"
	JobStateRunning             JobState = "RUNNING"
	JobStateSucceeded           JobState = "SUCCEEDED"
	JobStateSucceededWithErrors JobState = "SUCCEEDED_WITH_ERRORS"
	JobStateFailed              JobState = "FAILED"
	JobStateCancelled           JobState = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateSucceededWithErrors, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// IsCancellable reports whether a job in state s may still be cancelled.
func (s JobState) IsCancellable() bool {
	return s == JobStateQueued || s == JobStateRunning
}

// JobParameters is implemented by every job's parameter struct.
type JobParameters interface {
	// JobID returns the id the job will be registered under. An empty id makes the queue
	// generate one.
	JobID() string
}

// BaseParameters can be embedded in parameter structs to satisfy JobParameters.
type BaseParameters struct {
	ID string `json:"id" mapstructure:"id"`
}

// JobID implements JobParameters.
func (p BaseParameters) JobID() string { return p.ID }

// Job is the status record of one background job. Records are handled by value; the
// JobMonitor owns the authoritative copy.
type Job struct {
	ID         string
	Type       string
	Parameters JobParameters
	State      JobState
	// Progress is a percentage in [0, 100].
	Progress int
	// Result is the job's return value, or the partial result for SUCCEEDED_WITH_ERRORS.
	Result any
	Err    error
	// Version is incremented on every committed update.
	Version   int64
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

// NewJob creates a QUEUED job for params. A new UUID is used when params carries no id.
func NewJob(jobType string, params JobParameters) Job {
	id := ""
	if params != nil {
		id = params.JobID()
	}
	if id == "" {
		id = uuid.NewString()
	}
	return Job{
		ID:         id,
		Type:       jobType,
		Parameters: params,
		State:      JobStateQueued,
		CreatedAt:  time.Now(),
	}
}

// ClampProgress bounds p to [0, 100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
