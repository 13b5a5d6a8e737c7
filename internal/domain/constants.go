package domain

// JobStatus is the canonical lifecycle state of a job
type JobStatus string

// Job status constants
const (
	JobStatusUnsubmitted JobStatus = "UNSUBMITTED"
	JobStatusPending     JobStatus = "PENDING"
	JobStatusRunning     JobStatus = "RUNNING"
	JobStatusCompleted   JobStatus = "COMPLETED"
	JobStatusFailed      JobStatus = "FAILED"
	JobStatusTimeout     JobStatus = "TIMEOUT"
	JobStatusCancelled   JobStatus = "CANCELLED"
	JobStatusDeadLetter  JobStatus = "DEAD_LETTER"
)

// IsActive reports whether the remote scheduler still owns the job
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// IsFailure reports whether the status is a terminal failure reported by the remote scheduler
func (s JobStatus) IsFailure() bool {
	switch s {
	case JobStatusFailed, JobStatusTimeout, JobStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the remote scheduler is done with the job
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s.IsFailure()
}

// HasExternalID reports whether a job in this status must carry an external handle
func (s JobStatus) HasExternalID() bool {
	return s.IsActive() || s.IsTerminal()
}

// Submittable reports whether a delivery for a job in this status may be submitted.
// PENDING, RUNNING and COMPLETED jobs are never submitted again.
func (s JobStatus) Submittable() bool {
	return !s.IsActive() && s != JobStatusCompleted
}

// Requeueable reports whether an operator may push the job back into the work queue
func (s JobStatus) Requeueable() bool {
	return s == JobStatusDeadLetter || s.IsFailure()
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusUnsubmitted, JobStatusPending, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusTimeout, JobStatusCancelled, JobStatusDeadLetter:
		return true
	}
	return false
}

// JobType identifies the kind of batch work a task describes
type JobType string

// Job type constants
const (
	JobTypeVariance JobType = "variance"
	JobTypeTemplate JobType = "template"
	JobTypeCoaddSub JobType = "coaddsub"
)

// ProductKind identifies the table family a derived record belongs to
type ProductKind string

const (
	ProductTemplate ProductKind = "template"
	ProductCoadd    ProductKind = "coadd"
)
