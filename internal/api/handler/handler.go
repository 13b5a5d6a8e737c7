package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
	"github.com/cuongbtq/hpc-dispatcher/internal/storage"
	"github.com/cuongbtq/hpc-dispatcher/shared/rabbitmq"
)

// JobStore is the read side of the job-state store plus the operator requeue
type JobStore interface {
	Get(ctx context.Context, correlationID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error)
	ListSubmissions(ctx context.Context, correlationID string) ([]domain.Submission, error)
	Requeue(ctx context.Context, correlationID string) (*domain.Job, error)
}

// Publisher publishes to a named queue
type Publisher interface {
	PublishWithRetry(ctx context.Context, queue string, msg rabbitmq.Message) error
}

// HealthChecker reports whether the database is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
	Stats() string
}

// BrokerStatus reports whether the broker connection is up
type BrokerStatus interface {
	IsConnected() bool
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Store       JobStore
	Publisher   Publisher
	Health      HealthChecker
	Broker      BrokerStatus
	WorkQueue   string
	ServiceName string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     JobStore
	publisher Publisher
	workQueue string
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		publisher: deps.Publisher,
		workQueue: deps.WorkQueue,
	}
}
