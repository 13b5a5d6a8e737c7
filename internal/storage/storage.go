package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `
	correlation_id, job_type, status, external_id, site, submit_time,
	time_used, dependency_ids, payload, attempts, created_at, updated_at
`

// Storage handles all job-state database operations
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

type jobRow struct {
	CorrelationID string         `db:"correlation_id"`
	JobType       string         `db:"job_type"`
	Status        string         `db:"status"`
	ExternalID    sql.NullString `db:"external_id"`
	Site          sql.NullString `db:"site"`
	SubmitTime    sql.NullTime   `db:"submit_time"`
	TimeUsed      sql.NullInt64  `db:"time_used"`
	DependencyIDs pq.StringArray `db:"dependency_ids"`
	Payload       []byte         `db:"payload"`
	Attempts      int            `db:"attempts"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		CorrelationID: r.CorrelationID,
		JobType:       domain.JobType(r.JobType),
		Status:        domain.JobStatus(r.Status),
		ExternalID:    r.ExternalID.String,
		Site:          r.Site.String,
		DependencyIDs: []string(r.DependencyIDs),
		Payload:       r.Payload,
		Attempts:      r.Attempts,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.SubmitTime.Valid {
		job.SubmitTime = r.SubmitTime.Time
	}
	if r.TimeUsed.Valid {
		job.TimeUsed = time.Duration(r.TimeUsed.Int64) * time.Second
	}
	if job.DependencyIDs == nil {
		job.DependencyIDs = []string{}
	}
	return job
}

// Upsert inserts job, or updates its mutable columns when it already exists.
// Jobs that are PENDING, RUNNING or COMPLETED are left untouched; payload,
// job_type and dependency_ids are never overwritten.
func (s *Storage) Upsert(ctx context.Context, job *domain.Job) error {
	if err := job.CheckHandleInvariant(); err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			correlation_id, job_type, status, external_id, site,
			submit_time, time_used, dependency_ids, payload
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9
		)
		ON CONFLICT (correlation_id) DO UPDATE SET
			status = EXCLUDED.status,
			external_id = EXCLUDED.external_id,
			site = COALESCE(EXCLUDED.site, jobs.site),
			submit_time = COALESCE(EXCLUDED.submit_time, jobs.submit_time),
			time_used = COALESCE(EXCLUDED.time_used, jobs.time_used),
			updated_at = NOW()
		WHERE jobs.status NOT IN ('PENDING', 'RUNNING', 'COMPLETED')
	`

	deps := job.DependencyIDs
	if deps == nil {
		deps = []string{}
	}

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.CorrelationID,
		string(job.JobType),
		string(job.Status),
		nullString(job.ExternalID),
		nullString(job.Site),
		nullTime(job.SubmitTime),
		nullSeconds(job.TimeUsed),
		pq.StringArray(deps),
		job.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}

	s.logger.Debug("Job upserted",
		slog.String("correlation_id", job.CorrelationID),
		slog.String("status", string(job.Status)),
	)

	return nil
}

// Get retrieves a job by correlation id
func (s *Storage) Get(ctx context.Context, correlationID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE correlation_id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, correlationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain(), nil
}

// ExternalID returns the current external handle of a job, empty when it has none
func (s *Storage) ExternalID(ctx context.Context, correlationID string) (string, error) {
	query := `SELECT external_id FROM jobs WHERE correlation_id = $1`

	var externalID sql.NullString
	if err := s.db.GetContext(ctx, &externalID, query, correlationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrJobNotFound
		}
		return "", fmt.Errorf("failed to get external id: %w", err)
	}

	return externalID.String, nil
}

// ListActive returns up to limit PENDING or RUNNING jobs, most recently submitted first
func (s *Storage) ListActive(ctx context.Context, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY submit_time DESC, correlation_id DESC
		LIMIT $1
	`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, nil
}

// JobFilter selects jobs for operator listings
type JobFilter struct {
	JobType  string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last returned job
type JobCursor struct {
	CreatedAt     time.Time
	CorrelationID string
}

// ListJobs returns up to PageSize+1 jobs matching filter, newest first.
// The extra row tells the caller whether another page exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, correlation_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.CorrelationID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, correlation_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, nil
}

// MarkSubmitted records a successful submission: the job becomes PENDING with
// the new handle and a submission row is added, in one transaction.
func (s *Storage) MarkSubmitted(ctx context.Context, correlationID, externalID, site string, at time.Time) error {
	if externalID == "" {
		return fmt.Errorf("mark submitted %s: empty external id", correlationID)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $2,
			    external_id = $3,
			    site = $4,
			    submit_time = $5,
			    time_used = NULL,
			    attempts = attempts + 1,
			    updated_at = NOW()
			WHERE correlation_id = $1
			  AND status NOT IN ('PENDING', 'RUNNING', 'COMPLETED')
		`, correlationID, domain.JobStatusPending, externalID, site, at)
		if err != nil {
			return fmt.Errorf("failed to mark job submitted: %w", err)
		}
		if err := expectRow(res); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_submissions (correlation_id, external_id, site, submitted_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (correlation_id, external_id) DO NOTHING
		`, correlationID, externalID, site, at)
		if err != nil {
			return fmt.Errorf("failed to record submission: %w", err)
		}

		s.logger.Info("Job marked submitted",
			slog.String("correlation_id", correlationID),
			slog.String("external_id", externalID),
			slog.String("site", site),
		)
		return nil
	})
}

// MarkDeadLetter moves a job that is not owned by the remote scheduler to DEAD_LETTER
func (s *Storage) MarkDeadLetter(ctx context.Context, correlationID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2,
		    external_id = NULL,
		    updated_at = NOW()
		WHERE correlation_id = $1
		  AND status NOT IN ('PENDING', 'RUNNING', 'COMPLETED')
	`, correlationID, domain.JobStatusDeadLetter)
	if err != nil {
		return fmt.Errorf("failed to mark job dead-lettered: %w", err)
	}
	if err := expectRow(res); err != nil {
		return err
	}

	s.logger.Warn("Job dead-lettered",
		slog.String("correlation_id", correlationID),
	)
	return nil
}

// UpdateStatus moves a job between active states if it is still in from
func (s *Storage) UpdateStatus(ctx context.Context, correlationID string, from, to domain.JobStatus) error {
	if !from.IsActive() || !to.IsActive() {
		return fmt.Errorf("update status %s: %s -> %s is not an active transition", correlationID, from, to)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $3,
		    updated_at = NOW()
		WHERE correlation_id = $1
		  AND status = $2
	`, correlationID, from, to)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return expectRow(res)
}

// RecordTerminal stores a terminal status reported by the remote scheduler
// together with the derived product records, in one transaction.
// Re-applying the status the job already has is a no-op.
func (s *Storage) RecordTerminal(ctx context.Context, correlationID string, from, to domain.JobStatus, timeUsed time.Duration, records []domain.ProductRecord) error {
	if !to.IsTerminal() {
		return fmt.Errorf("record terminal %s: %s is not terminal", correlationID, to)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, externalID, err := lockJob(ctx, tx, correlationID)
		if err != nil {
			return err
		}
		if current == to {
			s.logger.Debug("Terminal status already recorded",
				slog.String("correlation_id", correlationID),
				slog.String("status", string(to)),
			)
			return nil
		}
		if current != from {
			return fmt.Errorf("%w: %s is %s, expected %s", domain.ErrStaleState, correlationID, current, from)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $2,
			    time_used = $3,
			    updated_at = NOW()
			WHERE correlation_id = $1
		`, correlationID, to, int64(timeUsed/time.Second))
		if err != nil {
			return fmt.Errorf("failed to record terminal status: %w", err)
		}

		if err := closeSubmission(ctx, tx, correlationID, externalID, to, timeUsed); err != nil {
			return err
		}

		for _, rec := range records {
			if err := insertProduct(ctx, tx, rec); err != nil {
				return err
			}
		}

		s.logger.Info("Terminal status recorded",
			slog.String("correlation_id", correlationID),
			slog.String("status", string(to)),
			slog.Int("products", len(records)),
		)
		return nil
	})
}

// Resubmit closes the current submission with the observed failure and
// returns the job to UNSUBMITTED, provided it is still in from.
func (s *Storage) Resubmit(ctx context.Context, correlationID string, from, observed domain.JobStatus, timeUsed time.Duration) error {
	if !observed.IsFailure() {
		return fmt.Errorf("resubmit %s: %s is not a failure status", correlationID, observed)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, externalID, err := lockJob(ctx, tx, correlationID)
		if err != nil {
			return err
		}
		if current != from {
			return fmt.Errorf("%w: %s is %s, expected %s", domain.ErrStaleState, correlationID, current, from)
		}

		if err := closeSubmission(ctx, tx, correlationID, externalID, observed, timeUsed); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $2,
			    external_id = NULL,
			    time_used = $3,
			    updated_at = NOW()
			WHERE correlation_id = $1
		`, correlationID, domain.JobStatusUnsubmitted, int64(timeUsed/time.Second))
		if err != nil {
			return fmt.Errorf("failed to reset job for resubmission: %w", err)
		}

		s.logger.Info("Job reset for resubmission",
			slog.String("correlation_id", correlationID),
			slog.String("observed", string(observed)),
		)
		return nil
	})
}

// Requeue returns a dead-lettered or failed job to UNSUBMITTED for operator re-entry
func (s *Storage) Requeue(ctx context.Context, correlationID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $2,
		    external_id = NULL,
		    updated_at = NOW()
		WHERE correlation_id = $1
		  AND status IN ('DEAD_LETTER', 'FAILED', 'TIMEOUT', 'CANCELLED')
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, correlationID, domain.JobStatusUnsubmitted)
	if err == nil {
		s.logger.Info("Job requeued by operator",
			slog.String("correlation_id", correlationID),
		)
		return row.toDomain(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to requeue job: %w", err)
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM jobs WHERE correlation_id = $1)`, correlationID); err != nil {
		return nil, fmt.Errorf("failed to check job existence: %w", err)
	}
	if !exists {
		return nil, domain.ErrJobNotFound
	}
	return nil, domain.ErrNotRequeueable
}

type submissionRow struct {
	CorrelationID string         `db:"correlation_id"`
	ExternalID    string         `db:"external_id"`
	Site          string         `db:"site"`
	SubmittedAt   time.Time      `db:"submitted_at"`
	FinalStatus   sql.NullString `db:"final_status"`
	TimeUsed      sql.NullInt64  `db:"time_used"`
	FinishedAt    sql.NullTime   `db:"finished_at"`
}

// ListSubmissions returns the submission history of a job, oldest first
func (s *Storage) ListSubmissions(ctx context.Context, correlationID string) ([]domain.Submission, error) {
	query := `
		SELECT correlation_id, external_id, site, submitted_at, final_status, time_used, finished_at
		FROM job_submissions
		WHERE correlation_id = $1
		ORDER BY submitted_at ASC, id ASC
	`

	var rows []submissionRow
	if err := s.db.SelectContext(ctx, &rows, query, correlationID); err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}

	subs := make([]domain.Submission, len(rows))
	for i, r := range rows {
		subs[i] = domain.Submission{
			CorrelationID: r.CorrelationID,
			ExternalID:    r.ExternalID,
			Site:          r.Site,
			SubmittedAt:   r.SubmittedAt,
			FinalStatus:   domain.JobStatus(r.FinalStatus.String),
			TimeUsed:      time.Duration(r.TimeUsed.Int64) * time.Second,
		}
		if r.FinishedAt.Valid {
			subs[i].FinishedAt = r.FinishedAt.Time
		}
	}
	return subs, nil
}

func (s *Storage) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("Failed to rollback transaction",
				slog.String("error", rbErr.Error()),
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lockJob reads the status and handle of a job under a row lock
func lockJob(ctx context.Context, tx *sqlx.Tx, correlationID string) (domain.JobStatus, string, error) {
	var row struct {
		Status     string         `db:"status"`
		ExternalID sql.NullString `db:"external_id"`
	}
	err := tx.GetContext(ctx, &row, `SELECT status, external_id FROM jobs WHERE correlation_id = $1 FOR UPDATE`, correlationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", domain.ErrJobNotFound
		}
		return "", "", fmt.Errorf("failed to lock job: %w", err)
	}
	return domain.JobStatus(row.Status), row.ExternalID.String, nil
}

func closeSubmission(ctx context.Context, tx *sqlx.Tx, correlationID, externalID string, status domain.JobStatus, timeUsed time.Duration) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE job_submissions
		SET final_status = $3,
		    time_used = $4,
		    finished_at = NOW()
		WHERE correlation_id = $1
		  AND external_id = $2
		  AND final_status IS NULL
	`, correlationID, externalID, status, int64(timeUsed/time.Second))
	if err != nil {
		return fmt.Errorf("failed to close submission: %w", err)
	}
	return nil
}

type productTable struct {
	parent string
	assoc  string
	fk     string
}

var productTables = map[domain.ProductKind]productTable{
	domain.ProductTemplate: {parent: "templates", assoc: "template_images", fk: "template_id"},
	domain.ProductCoadd:    {parent: "coadds", assoc: "coadd_images", fk: "coadd_id"},
}

// insertProduct writes one derived record and its image associations.
// A record already present for the correlation id is reused.
func insertProduct(ctx context.Context, tx *sqlx.Tx, rec domain.ProductRecord) error {
	table, ok := productTables[rec.Kind]
	if !ok {
		return fmt.Errorf("unknown product kind %q", rec.Kind)
	}

	var id int64
	err := tx.GetContext(ctx, &id, `
		INSERT INTO `+table.parent+` (
			correlation_id, path, filter, quadrant, field, ccdnum,
			mindate, maxdate, pipeline_schema_id, procdate, nimg
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11
		)
		ON CONFLICT (correlation_id) DO NOTHING
		RETURNING id
	`,
		rec.CorrelationID, rec.Path, rec.Filter, rec.Quadrant, rec.Field, rec.CCDNum,
		rec.MinDate, rec.MaxDate, rec.PipelineSchemaID, rec.ProcDate, len(rec.ImageIDs),
	)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.GetContext(ctx, &id, `SELECT id FROM `+table.parent+` WHERE correlation_id = $1`, rec.CorrelationID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert %s record: %w", rec.Kind, err)
	}

	if len(rec.ImageIDs) == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+table.assoc+` (`+table.fk+`, image_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING
	`, id, pq.Array(rec.ImageIDs))
	if err != nil {
		return fmt.Errorf("failed to insert %s image associations: %w", rec.Kind, err)
	}

	return nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrStaleState
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullSeconds(d time.Duration) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(d / time.Second), Valid: d > 0}
}
