package domain

import (
	"fmt"
	"time"
)

// Job is one logical unit of work tracked across all of its submission attempts
type Job struct {
	CorrelationID string
	JobType       JobType
	Status        JobStatus
	ExternalID    string // empty unless a submission attempt succeeded
	Site          string
	SubmitTime    time.Time
	TimeUsed      time.Duration
	DependencyIDs []string
	Payload       []byte // original message body, never rewritten
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CheckHandleInvariant verifies that the external handle is set exactly when the status requires one
func (j *Job) CheckHandleInvariant() error {
	hasHandle := j.ExternalID != ""
	if hasHandle != j.Status.HasExternalID() {
		return fmt.Errorf("job %s: status %s with external_id %q violates handle invariant",
			j.CorrelationID, j.Status, j.ExternalID)
	}
	return nil
}

// NewJob creates the initial UNSUBMITTED record for a freshly consumed task
func NewJob(task *Task) *Job {
	return &Job{
		CorrelationID: task.CorrelationID,
		JobType:       task.Spec.JobType(),
		Status:        JobStatusUnsubmitted,
		DependencyIDs: task.Dependencies,
		Payload:       task.Body,
	}
}

// Submission is one successful submission attempt of a job
type Submission struct {
	CorrelationID string
	ExternalID    string
	Site          string
	SubmittedAt   time.Time
	FinalStatus   JobStatus // empty while the attempt is active
	TimeUsed      time.Duration
	FinishedAt    time.Time
}

// ProductRecord is a derived data-product row persisted when a job completes
type ProductRecord struct {
	Kind             ProductKind
	CorrelationID    string
	Path             string
	Filter           string
	Quadrant         int
	Field            int
	CCDNum           int
	MinDate          string
	MaxDate          string
	PipelineSchemaID int
	ProcDate         time.Time
	ImageIDs         []int64
}
