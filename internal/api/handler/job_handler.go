package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/hpc-dispatcher/internal/api/dto"
	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
	"github.com/cuongbtq/hpc-dispatcher/internal/storage"
	"github.com/cuongbtq/hpc-dispatcher/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// CorrelationIDHeader lets producers choose the correlation id of a submitted task
	CorrelationIDHeader = "X-Correlation-Id"

	defaultPageSize = 20
	maxPageSize     = 100
)

// SubmitJob handles POST /api/v1/jobs
// Validates a task message and publishes it to the work queue
func (h *JobHandler) SubmitJob(c *gin.Context) {
	h.logger.Info("SubmitJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	body, err := c.GetRawData()
	if err != nil {
		h.logger.Error("Failed to read request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read request body",
		})
		return
	}

	correlationID := c.GetHeader(CorrelationIDHeader)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	task, err := domain.ParseTask(correlationID, body)
	if err != nil {
		h.logger.Warn("Rejected invalid task",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	msg := rabbitmq.Message{
		CorrelationID: correlationID,
		ContentType:   "application/json",
		Body:          body,
	}
	if err := h.publisher.PublishWithRetry(c.Request.Context(), h.workQueue, msg); err != nil {
		h.logger.Error("Failed to publish task",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to publish task",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{
		CorrelationID: correlationID,
		JobType:       string(task.Spec.JobType()),
		Queue:         h.workQueue,
	})
}

// GetJob handles GET /api/v1/jobs/:correlation_id
func (h *JobHandler) GetJob(c *gin.Context) {
	correlationID := c.Param("correlation_id")

	h.logger.Info("GetJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("correlation_id", correlationID),
	)

	job, err := h.store.Get(c.Request.Context(), correlationID)
	if err != nil {
		h.storeError(c, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filtering and keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	h.logger.Info("ListJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !domain.JobStatus(req.Status).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown status " + req.Status,
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		JobType:  req.JobType,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.NewJobDTO(job)
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt:     lastJob.CreatedAt,
			CorrelationID: lastJob.CorrelationID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// ListSubmissions handles GET /api/v1/jobs/:correlation_id/submissions
func (h *JobHandler) ListSubmissions(c *gin.Context) {
	correlationID := c.Param("correlation_id")

	h.logger.Info("ListSubmissions called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("correlation_id", correlationID),
	)

	if _, err := h.store.Get(c.Request.Context(), correlationID); err != nil {
		h.storeError(c, "Failed to get job", err)
		return
	}

	submissions, err := h.store.ListSubmissions(c.Request.Context(), correlationID)
	if err != nil {
		h.storeError(c, "Failed to list submissions", err)
		return
	}

	resp := dto.ListSubmissionsResponse{
		CorrelationID: correlationID,
		Submissions:   make([]dto.SubmissionDTO, len(submissions)),
	}
	for i, s := range submissions {
		resp.Submissions[i] = dto.NewSubmissionDTO(s)
	}

	c.JSON(http.StatusOK, resp)
}

// RequeueJob handles POST /api/v1/jobs/:correlation_id/requeue
// Returns a dead-lettered or failed job to UNSUBMITTED and republishes its stored payload
func (h *JobHandler) RequeueJob(c *gin.Context) {
	correlationID := c.Param("correlation_id")

	h.logger.Info("RequeueJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("correlation_id", correlationID),
	)

	job, err := h.store.Requeue(c.Request.Context(), correlationID)
	if err != nil {
		h.storeError(c, "Failed to requeue job", err)
		return
	}

	msg := rabbitmq.Message{
		CorrelationID: job.CorrelationID,
		ContentType:   "application/json",
		Body:          job.Payload,
	}
	if err := h.publisher.PublishWithRetry(c.Request.Context(), h.workQueue, msg); err != nil {
		// the job is UNSUBMITTED now, a second requeue is refused until an operator republishes
		h.logger.Error("Failed to republish requeued job",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to publish task",
		})
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

func (h *JobHandler) storeError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
	case errors.Is(err, domain.ErrNotRequeueable):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
	default:
		h.logger.Error(message, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": message,
		})
	}
}
