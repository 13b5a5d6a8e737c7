package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
	"github.com/cuongbtq/hpc-dispatcher/shared/rabbitmq"
	"github.com/cuongbtq/hpc-dispatcher/shared/resilience"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Store is the part of the job-state store the reconciler reads and writes
type Store interface {
	ListActive(ctx context.Context, limit int) ([]*domain.Job, error)
	UpdateStatus(ctx context.Context, correlationID string, from, to domain.JobStatus) error
	RecordTerminal(ctx context.Context, correlationID string, from, to domain.JobStatus, timeUsed time.Duration, records []domain.ProductRecord) error
	Resubmit(ctx context.Context, correlationID string, from, observed domain.JobStatus, timeUsed time.Duration) error
}

// StatusQuerier asks the remote scheduler for the status of a submitted job
type StatusQuerier interface {
	QueryStatus(ctx context.Context, site, externalID string) (domain.JobStatus, time.Duration, error)
}

// Publisher publishes to a named queue
type Publisher interface {
	PublishWithRetry(ctx context.Context, queue string, msg rabbitmq.Message) error
}

// MonitorSource polls single messages off a queue
type MonitorSource interface {
	Get(queue string) (amqp.Delivery, bool, error)
	Reconnect(ctx context.Context) error
}

// Config holds reconciler configuration
type Config struct {
	Logger       *slog.Logger
	Store        Store
	Querier      StatusQuerier
	Publisher    Publisher
	Monitor      MonitorSource
	Cache        MessageCache
	WorkQueue    string
	MonitorQueue string
	Interval     time.Duration
	BatchSize    int
	MaxAttempts  int // 0 resubmits without limit
	Retry        resilience.Policy
	Now          func() time.Time
}

// Reconciler periodically converges recorded job state with the remote scheduler
type Reconciler struct {
	logger       *slog.Logger
	store        Store
	querier      StatusQuerier
	publisher    Publisher
	monitor      MonitorSource
	cache        MessageCache
	workQueue    string
	monitorQueue string
	interval     time.Duration
	batchSize    int
	maxAttempts  int
	retry        resilience.Policy
	now          func() time.Time
	wg           sync.WaitGroup
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// TickStats summarises one reconciliation pass
type TickStats struct {
	Drained     int
	Checked     int
	Updated     int
	Completed   int
	Resubmitted int
	Exhausted   int
	Skipped     int
}

// New creates a new reconciler
func New(cfg *Config) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Reconciler{
		logger:       cfg.Logger,
		store:        cfg.Store,
		querier:      cfg.Querier,
		publisher:    cfg.Publisher,
		monitor:      cfg.Monitor,
		cache:        cache,
		workQueue:    cfg.WorkQueue,
		monitorQueue: cfg.MonitorQueue,
		interval:     interval,
		batchSize:    batchSize,
		maxAttempts:  cfg.MaxAttempts,
		retry:        cfg.Retry,
		now:          now,
		stopChan:     make(chan struct{}),
	}
}

// Start runs a tick every interval until ctx is canceled or Stop is called
func (r *Reconciler) Start(ctx context.Context) error {
	r.wg.Add(1)
	defer r.wg.Done()

	r.logger.Info("Starting reconciler",
		slog.Duration("interval", r.interval),
		slog.Int("batch_size", r.batchSize),
		slog.Int("max_attempts", r.maxAttempts),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped - context canceled")
			return nil
		case <-r.stopChan:
			r.logger.Info("Reconciler stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Reconciliation tick failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Stop signals the loop to exit after the current tick and waits for it
func (r *Reconciler) Stop() {
	r.logger.Info("Stopping reconciler...")
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}

// Tick runs one reconciliation pass
func (r *Reconciler) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats

	stats.Drained = r.drainMonitor(ctx)

	var jobs []*domain.Job
	err := resilience.Forever(ctx, r.retry, r.logger, "store.list_active", func(ctx context.Context) error {
		var err error
		jobs, err = r.store.ListActive(ctx, r.batchSize)
		return err
	})
	if err != nil {
		return stats, err
	}

	// newest first from the store; oldest work is handled first
	slices.Reverse(jobs)

	for _, job := range jobs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Checked++
		r.reconcile(ctx, job, &stats)
	}

	r.logger.Info("Reconciliation tick complete",
		slog.Int("drained", stats.Drained),
		slog.Int("checked", stats.Checked),
		slog.Int("updated", stats.Updated),
		slog.Int("completed", stats.Completed),
		slog.Int("resubmitted", stats.Resubmitted),
		slog.Int("exhausted", stats.Exhausted),
		slog.Int("skipped", stats.Skipped),
	)

	return stats, nil
}

// drainMonitor moves every message waiting on the monitor queue into the cache.
// A failed poll reconnects to the broker and polls again once per pass.
func (r *Reconciler) drainMonitor(ctx context.Context) int {
	drained := 0
	reconnected := false
	for ctx.Err() == nil {
		d, ok, err := r.monitor.Get(r.monitorQueue)
		if err != nil {
			r.logger.Warn("Failed to poll monitor queue",
				slog.String("queue", r.monitorQueue),
				slog.String("error", err.Error()),
			)
			if reconnected {
				return drained
			}
			// blocks until the broker is back or ctx ends
			if err := r.monitor.Reconnect(ctx); err != nil {
				return drained
			}
			reconnected = true
			continue
		}
		if !ok {
			return drained
		}

		if d.CorrelationId == "" {
			r.logger.Warn("Dropping monitor message without correlation id",
				slog.Uint64("delivery_tag", d.DeliveryTag),
			)
			_ = d.Ack(false)
			continue
		}

		if err := r.cache.Put(ctx, d.CorrelationId, d.Body); err != nil {
			r.logger.Warn("Failed to cache monitor message",
				slog.String("correlation_id", d.CorrelationId),
				slog.String("error", err.Error()),
			)
			// left unacked so the broker redelivers it
			_ = d.Nack(false, true)
			return drained
		}

		if err := d.Ack(false); err != nil {
			r.logger.Error("Failed to ACK monitor message",
				slog.String("correlation_id", d.CorrelationId),
				slog.String("error", err.Error()),
			)
		}
		drained++
	}
	return drained
}

func (r *Reconciler) reconcile(ctx context.Context, job *domain.Job, stats *TickStats) {
	logger := r.logger.With(
		slog.String("correlation_id", job.CorrelationID),
		slog.String("external_id", job.ExternalID),
		slog.String("site", job.Site),
	)

	observed, elapsed, err := r.querier.QueryStatus(ctx, job.Site, job.ExternalID)
	if err != nil {
		logger.Warn("Failed to query job status, skipping",
			slog.String("error", err.Error()),
		)
		stats.Skipped++
		return
	}

	if observed == job.Status {
		return
	}

	logger = logger.With(
		slog.String("from", string(job.Status)),
		slog.String("to", string(observed)),
	)

	switch {
	case observed.IsActive():
		err = r.storeOp(ctx, "store.update_status", func(ctx context.Context) error {
			return r.store.UpdateStatus(ctx, job.CorrelationID, job.Status, observed)
		})
		if r.skipped(logger, err, stats) {
			return
		}
		stats.Updated++
		logger.Info("Job status updated")

	case observed == domain.JobStatusCompleted:
		records := r.products(ctx, logger, job)
		err = r.storeOp(ctx, "store.record_terminal", func(ctx context.Context) error {
			return r.store.RecordTerminal(ctx, job.CorrelationID, job.Status, observed, elapsed, records)
		})
		if r.skipped(logger, err, stats) {
			r.forget(ctx, logger, job.CorrelationID, err)
			return
		}
		r.evict(ctx, logger, job.CorrelationID)
		stats.Completed++
		logger.Info("Job completed",
			slog.Duration("time_used", elapsed),
			slog.Int("products", len(records)),
		)

	case observed.IsFailure():
		if r.maxAttempts > 0 && job.Attempts >= r.maxAttempts {
			err = r.storeOp(ctx, "store.record_terminal", func(ctx context.Context) error {
				return r.store.RecordTerminal(ctx, job.CorrelationID, job.Status, observed, elapsed, nil)
			})
			if r.skipped(logger, err, stats) {
				r.forget(ctx, logger, job.CorrelationID, err)
				return
			}
			r.evict(ctx, logger, job.CorrelationID)
			stats.Exhausted++
			logger.Warn("Job failed and exhausted its attempts",
				slog.Int("attempts", job.Attempts),
			)
			return
		}

		body := r.body(ctx, logger, job)

		err = r.storeOp(ctx, "store.resubmit", func(ctx context.Context) error {
			return r.store.Resubmit(ctx, job.CorrelationID, job.Status, observed, elapsed)
		})
		if r.skipped(logger, err, stats) {
			r.forget(ctx, logger, job.CorrelationID, err)
			return
		}

		// the reset is committed before the message goes back to the work queue
		msg := rabbitmq.Message{CorrelationID: job.CorrelationID, ContentType: "application/json", Body: body}
		if err := r.publisher.PublishWithRetry(ctx, r.workQueue, msg); err != nil {
			logger.Error("Failed to republish job for resubmission",
				slog.String("error", err.Error()),
			)
			return
		}
		r.evict(ctx, logger, job.CorrelationID)
		stats.Resubmitted++
		logger.Info("Job republished for resubmission",
			slog.Int("attempts", job.Attempts),
		)

	default:
		logger.Warn("Ignoring non-scheduler status")
		stats.Skipped++
	}
}

// storeOp retries fn on connectivity errors; state conflicts are returned at once
func (r *Reconciler) storeOp(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return resilience.Forever(ctx, r.retry, r.logger, op, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, domain.ErrStaleState) || errors.Is(err, domain.ErrJobNotFound) {
			return resilience.Stop(err)
		}
		return err
	})
}

// skipped logs err and reports whether the job should be left for the next tick
func (r *Reconciler) skipped(logger *slog.Logger, err error, stats *TickStats) bool {
	if err == nil {
		return false
	}
	stats.Skipped++
	if errors.Is(err, domain.ErrStaleState) {
		logger.Info("Job changed concurrently, re-evaluating next tick")
		return true
	}
	logger.Error("Failed to record job status",
		slog.String("error", err.Error()),
	)
	return true
}

// body returns the original message body, from the cache or from the stored payload
func (r *Reconciler) body(ctx context.Context, logger *slog.Logger, job *domain.Job) []byte {
	body, ok, err := r.cache.Get(ctx, job.CorrelationID)
	if err != nil {
		logger.Warn("Failed to read message cache, using stored payload",
			slog.String("error", err.Error()),
		)
		return job.Payload
	}
	if !ok {
		logger.Debug("Message not cached, using stored payload")
		return job.Payload
	}
	return body
}

func (r *Reconciler) products(ctx context.Context, logger *slog.Logger, job *domain.Job) []domain.ProductRecord {
	task, err := domain.ParseTask(job.CorrelationID, r.body(ctx, logger, job))
	if err != nil {
		logger.Error("Failed to decode payload of completed job, recording without products",
			slog.String("error", err.Error()),
		)
		return nil
	}
	return task.Spec.Products(job.CorrelationID, r.now())
}

// forget evicts the cached message when another writer already moved the job.
// A job that is still active falls back to its stored payload.
func (r *Reconciler) forget(ctx context.Context, logger *slog.Logger, correlationID string, err error) {
	if errors.Is(err, domain.ErrStaleState) || errors.Is(err, domain.ErrJobNotFound) {
		r.evict(ctx, logger, correlationID)
	}
}

func (r *Reconciler) evict(ctx context.Context, logger *slog.Logger, correlationID string) {
	if err := r.cache.Delete(ctx, correlationID); err != nil {
		logger.Warn("Failed to evict cached message",
			slog.String("error", err.Error()),
		)
	}
}
