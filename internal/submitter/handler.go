package submitter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
	"github.com/cuongbtq/hpc-dispatcher/internal/script"
	"github.com/cuongbtq/hpc-dispatcher/shared/rabbitmq"
	"github.com/cuongbtq/hpc-dispatcher/shared/resilience"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Store is the part of the job-state store the handler writes to
type Store interface {
	Get(ctx context.Context, correlationID string) (*domain.Job, error)
	Upsert(ctx context.Context, job *domain.Job) error
	MarkSubmitted(ctx context.Context, correlationID, externalID, site string, at time.Time) error
	MarkDeadLetter(ctx context.Context, correlationID string) error
}

// Scheduler is the remote batch scheduler
type Scheduler interface {
	SiteIsUp(ctx context.Context, site string) bool
	UploadScript(ctx context.Context, site, path, contents string) error
	Submit(ctx context.Context, site, scriptPath string) (string, error)
}

// Resolver turns dependency ids into a dependency clause
type Resolver interface {
	Resolve(ctx context.Context, ids []string) (string, error)
}

// Renderer renders the batch script of a task
type Renderer interface {
	Render(spec domain.TaskSpec, params script.Params) (string, error)
}

// Publisher publishes to a named queue
type Publisher interface {
	PublishWithRetry(ctx context.Context, queue string, msg rabbitmq.Message) error
}

// HandlerConfig holds the collaborators and settings of a Handler
type HandlerConfig struct {
	Logger               *slog.Logger
	Store                Store
	Scheduler            Scheduler
	Resolver             Resolver
	Renderer             Renderer
	Publisher            Publisher
	Sites                []string // priority order
	ScriptDir            string
	WorkQueue            string // deliveries waiting on dependencies go back to its tail
	MonitorQueue         string
	DependencyRetryDelay time.Duration
	Retry                resilience.Policy
	Now                  func() time.Time
}

// Handler runs the submission state machine for one delivery at a time
type Handler struct {
	logger       *slog.Logger
	store        Store
	scheduler    Scheduler
	resolver     Resolver
	renderer     Renderer
	publisher    Publisher
	sites        []string
	scriptDir    string
	workQueue    string
	monitorQueue string
	depDelay     time.Duration
	retry        resilience.Policy
	now          func() time.Time
}

// NewHandler creates a new submission handler
func NewHandler(cfg *HandlerConfig) *Handler {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{
		logger:       cfg.Logger,
		store:        cfg.Store,
		scheduler:    cfg.Scheduler,
		resolver:     cfg.Resolver,
		renderer:     cfg.Renderer,
		publisher:    cfg.Publisher,
		sites:        cfg.Sites,
		scriptDir:    cfg.ScriptDir,
		workQueue:    cfg.WorkQueue,
		monitorQueue: cfg.MonitorQueue,
		depDelay:     cfg.DependencyRetryDelay,
		retry:        cfg.Retry,
		now:          now,
	}
}

// submission is a successful remote submission
type submission struct {
	task       *domain.Task
	externalID string
	site       string
}

// Handle processes one work-queue delivery, settles it, and on success
// publishes the tracking copy to the monitor queue.
func (h *Handler) Handle(ctx context.Context, d amqp.Delivery) {
	sub, err := h.process(ctx, d)
	h.settle(ctx, d, err)

	if err != nil || sub == nil {
		return
	}

	msg := rabbitmq.Message{
		CorrelationID: sub.task.CorrelationID,
		ContentType:   d.ContentType,
		Body:          sub.task.Body,
	}
	if err := h.publisher.PublishWithRetry(ctx, h.monitorQueue, msg); err != nil {
		h.logger.Error("Failed to publish tracking copy to monitor queue",
			slog.String("correlation_id", sub.task.CorrelationID),
			slog.String("external_id", sub.externalID),
			slog.String("error", err.Error()),
		)
	}
}

// process returns a nil submission and a nil error for duplicate and deferred deliveries
func (h *Handler) process(ctx context.Context, d amqp.Delivery) (*submission, error) {
	correlationID := d.CorrelationId
	if correlationID == "" {
		h.logger.Error("Rejecting delivery without correlation id",
			slog.Uint64("delivery_tag", d.DeliveryTag),
		)
		return nil, domain.ErrMissingCorrelationID
	}

	logger := h.logger.With(slog.String("correlation_id", correlationID))

	task, err := domain.ParseTask(correlationID, d.Body)
	if err != nil {
		logger.Error("Failed to parse task message",
			slog.String("error", err.Error()),
		)
		h.deadLetterMalformed(ctx, correlationID, d.Body)
		return nil, err
	}

	job, err := h.ensureJob(ctx, task)
	if err != nil {
		return nil, err
	}

	if !job.Status.Submittable() {
		logger.Info("Duplicate delivery, job already submitted",
			slog.String("status", string(job.Status)),
			slog.String("external_id", job.ExternalID),
		)
		return nil, nil
	}

	if !bytes.Equal(job.Payload, task.Body) {
		logger.Warn("Delivery body differs from stored payload, using stored payload")
		task, err = domain.ParseTask(correlationID, job.Payload)
		if err != nil {
			h.deadLetter(ctx, logger, correlationID)
			return nil, err
		}
	}

	site, err := h.selectSite(ctx)
	if err != nil {
		logger.Error("No execution site available",
			slog.Any("sites", h.sites),
		)
		h.deadLetter(ctx, logger, correlationID)
		return nil, err
	}

	clause, err := h.resolver.Resolve(ctx, task.Dependencies)
	if err != nil {
		if errors.Is(err, domain.ErrDependencyNotReady) {
			logger.Info("Dependencies not ready, deferring",
				slog.Any("dependencies", task.Dependencies),
				slog.String("reason", err.Error()),
			)
			return nil, h.deferDelivery(ctx, logger, d, err)
		}
		logger.Warn("Failed to resolve dependencies",
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	params := script.Params{
		ScriptDir:     h.scriptDir,
		JobName:       script.JobName(task.Spec.JobType(), correlationID),
		Dependencies:  clause,
		CorrelationID: correlationID,
	}

	contents, err := h.renderer.Render(task.Spec, params)
	if err != nil {
		logger.Error("Failed to build job script",
			slog.String("error", err.Error()),
		)
		h.deadLetter(ctx, logger, correlationID)
		return nil, err
	}

	path := script.Path(h.scriptDir, correlationID)

	externalID, err := h.submit(ctx, site, path, contents)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if domain.IsRetryable(err) {
			logger.Warn("Scheduler unreachable, requeueing",
				slog.String("site", site),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		logger.Error("Remote submission failed",
			slog.String("site", site),
			slog.String("error", err.Error()),
		)
		h.deadLetter(ctx, logger, correlationID)
		return nil, err
	}

	err = resilience.Forever(ctx, h.retry, h.logger, "store.mark_submitted", func(ctx context.Context) error {
		err := h.store.MarkSubmitted(ctx, correlationID, externalID, site, h.now())
		if errors.Is(err, domain.ErrStaleState) {
			return resilience.Stop(err)
		}
		return err
	})
	if errors.Is(err, domain.ErrStaleState) {
		logger.Warn("Job changed state during submission, not tracking this attempt",
			slog.String("external_id", externalID),
		)
		return nil, nil
	}
	if err != nil {
		logger.Error("Submitted job could not be recorded",
			slog.String("external_id", externalID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	logger.Info("Job submitted",
		slog.String("job_type", string(task.Spec.JobType())),
		slog.String("site", site),
		slog.String("external_id", externalID),
	)

	return &submission{task: task, externalID: externalID, site: site}, nil
}

// ensureJob returns the stored job, creating the UNSUBMITTED row on first sight
func (h *Handler) ensureJob(ctx context.Context, task *domain.Task) (*domain.Job, error) {
	var job *domain.Job

	err := resilience.Forever(ctx, h.retry, h.logger, "store.ensure_job", func(ctx context.Context) error {
		stored, err := h.store.Get(ctx, task.CorrelationID)
		if err == nil {
			job = stored
			return nil
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			return err
		}

		fresh := domain.NewJob(task)
		if err := h.store.Upsert(ctx, fresh); err != nil {
			return err
		}
		job = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (h *Handler) selectSite(ctx context.Context) (string, error) {
	for _, site := range h.sites {
		if h.scheduler.SiteIsUp(ctx, site) {
			return site, nil
		}
		h.logger.Warn("Execution site is down",
			slog.String("site", site),
		)
	}
	return "", domain.ErrNoSiteAvailable
}

func (h *Handler) submit(ctx context.Context, site, path, contents string) (string, error) {
	if err := h.scheduler.UploadScript(ctx, site, path, contents); err != nil {
		return "", fmt.Errorf("failed to upload job script: %w", err)
	}
	externalID, err := h.scheduler.Submit(ctx, site, path)
	if err != nil {
		return "", fmt.Errorf("failed to submit job script: %w", err)
	}
	return externalID, nil
}

func (h *Handler) deadLetter(ctx context.Context, logger *slog.Logger, correlationID string) {
	err := resilience.Forever(ctx, h.retry, h.logger, "store.mark_dead_letter", func(ctx context.Context) error {
		err := h.store.MarkDeadLetter(ctx, correlationID)
		if errors.Is(err, domain.ErrStaleState) || errors.Is(err, domain.ErrJobNotFound) {
			return resilience.Stop(err)
		}
		return err
	})
	if err != nil {
		logger.Error("Failed to mark job as dead letter",
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Warn("Job moved to dead letter")
}

// deadLetterMalformed records a message that could not be decoded so operators can see it
func (h *Handler) deadLetterMalformed(ctx context.Context, correlationID string, body []byte) {
	jobType := domain.PeekJobType(body)
	if jobType == "" {
		jobType = "unknown"
	}

	job := &domain.Job{
		CorrelationID: correlationID,
		JobType:       jobType,
		Status:        domain.JobStatusDeadLetter,
		DependencyIDs: []string{},
		Payload:       body,
	}

	err := resilience.Forever(ctx, h.retry, h.logger, "store.dead_letter_malformed", func(ctx context.Context) error {
		return h.store.Upsert(ctx, job)
	})
	if err != nil {
		h.logger.Error("Failed to record malformed message",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// deferDelivery republishes d to the tail of the work queue so messages behind
// it, dependencies included, are consumed first. A nil return acks d.
func (h *Handler) deferDelivery(ctx context.Context, logger *slog.Logger, d amqp.Delivery, notReady error) error {
	h.wait(ctx, h.depDelay)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	msg := rabbitmq.Message{
		CorrelationID: d.CorrelationId,
		ContentType:   d.ContentType,
		Body:          d.Body,
	}
	if err := h.publisher.PublishWithRetry(ctx, h.workQueue, msg); err != nil {
		logger.Error("Failed to republish deferred delivery, requeueing",
			slog.String("queue", h.workQueue),
			slog.String("error", err.Error()),
		)
		return notReady
	}
	return nil
}

func (h *Handler) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// settle acks or nacks d according to the processing result
func (h *Handler) settle(ctx context.Context, d amqp.Delivery, err error) {
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			h.logger.Error("Failed to ACK message",
				slog.String("correlation_id", d.CorrelationId),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	requeue := shouldRequeue(ctx, err)

	if nackErr := d.Nack(false, requeue); nackErr != nil {
		h.logger.Error("Failed to NACK message",
			slog.String("correlation_id", d.CorrelationId),
			slog.String("error", nackErr.Error()),
		)
		return
	}

	h.logger.Info("Message NACKed",
		slog.String("correlation_id", d.CorrelationId),
		slog.Bool("requeue", requeue),
	)
}

// shouldRequeue reports whether a failed delivery should go back to the queue
func shouldRequeue(ctx context.Context, err error) bool {
	// shutting down: leave the message for the next consumer
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return true
	}

	if errors.Is(err, domain.ErrDependencyNotReady) {
		return true
	}

	if domain.IsRetryable(err) {
		return true
	}

	// dead-lettered, malformed or rejected by the scheduler
	return false
}
