package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
)

type SubmitJobResponse struct {
	CorrelationID string `json:"correlation_id"`
	JobType       string `json:"job_type"`
	Queue         string `json:"queue"`
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	CorrelationID   string          `json:"correlation_id"`
	JobType         string          `json:"job_type"`
	Status          string          `json:"status"`
	ExternalID      string          `json:"external_id,omitempty"`
	Site            string          `json:"site,omitempty"`
	SubmitTime      string          `json:"submit_time,omitempty"`
	TimeUsedSeconds int64           `json:"time_used_seconds"`
	DependencyIDs   []string        `json:"dependency_ids"`
	Attempts        int             `json:"attempts"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

type SubmissionDTO struct {
	ExternalID      string `json:"external_id"`
	Site            string `json:"site"`
	SubmittedAt     string `json:"submitted_at"`
	FinalStatus     string `json:"final_status,omitempty"`
	TimeUsedSeconds int64  `json:"time_used_seconds"`
	FinishedAt      string `json:"finished_at,omitempty"`
}

type ListSubmissionsResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Submissions   []SubmissionDTO `json:"submissions"`
}

// NewJobDTO converts a job for the wire. Payloads that are not valid JSON
// (dead-lettered malformed messages) are returned as a JSON string.
func NewJobDTO(job *domain.Job) JobDTO {
	payload := json.RawMessage(job.Payload)
	if !json.Valid(job.Payload) {
		quoted, _ := json.Marshal(string(job.Payload))
		payload = quoted
	}

	deps := job.DependencyIDs
	if deps == nil {
		deps = []string{}
	}

	return JobDTO{
		CorrelationID:   job.CorrelationID,
		JobType:         string(job.JobType),
		Status:          string(job.Status),
		ExternalID:      job.ExternalID,
		Site:            job.Site,
		SubmitTime:      formatTime(job.SubmitTime),
		TimeUsedSeconds: int64(job.TimeUsed / time.Second),
		DependencyIDs:   deps,
		Attempts:        job.Attempts,
		Payload:         payload,
		CreatedAt:       formatTime(job.CreatedAt),
		UpdatedAt:       formatTime(job.UpdatedAt),
	}
}

func NewSubmissionDTO(s domain.Submission) SubmissionDTO {
	return SubmissionDTO{
		ExternalID:      s.ExternalID,
		Site:            s.Site,
		SubmittedAt:     formatTime(s.SubmittedAt),
		FinalStatus:     string(s.FinalStatus),
		TimeUsedSeconds: int64(s.TimeUsed / time.Second),
		FinishedAt:      formatTime(s.FinishedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
