package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/unitylab/clipforge/internal/domain"
)

const pgUniqueViolation = "23505"

// JobRepository handles job, job-event and SLA-audit data access. Jobs are
// never deleted and events are append-only; there is deliberately no Delete
// method on any of them.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create persists a new job. The partial unique index on
// (org_id, idempotency_key) serializes concurrent duplicate submissions;
// a duplicate maps to domain.ErrConflict.
func (r *JobRepository) Create(ctx context.Context, job domain.Job) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, org_id, source_url, input_minutes, plan_id, lane,
		                   state, idempotency_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.OrgID, job.SourceURL, job.InputMinutes, job.PlanID, job.Lane,
		job.State, job.IdempotencyKey, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: job for idempotency key already exists", domain.ErrConflict)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// FindByID retrieves a job by its ID.
func (r *JobRepository) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.GetContext(ctx, &job,
		`SELECT id, org_id, source_url, input_minutes, plan_id, lane, state,
		        eta_seconds, idempotency_key, created_at, updated_at
		 FROM jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("find job %s: %w", id, err)
	}
	return &job, nil
}

// FindByIdempotencyKey retrieves the job previously submitted under the
// given (org, key) pair.
func (r *JobRepository) FindByIdempotencyKey(ctx context.Context, orgID, key string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.GetContext(ctx, &job,
		`SELECT id, org_id, source_url, input_minutes, plan_id, lane, state,
		        eta_seconds, idempotency_key, created_at, updated_at
		 FROM jobs WHERE org_id = $1 AND idempotency_key = $2`, orgID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no job for idempotency key", domain.ErrJobNotFound)
		}
		return nil, fmt.Errorf("find job by idempotency key: %w", err)
	}
	return &job, nil
}

// SetState updates the job's state and updated_at timestamp.
func (r *JobRepository) SetState(ctx context.Context, id string, state domain.JobState, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET state = $2, updated_at = $3 WHERE id = $1`, id, state, at)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return nil
}

// SetETA persists a freshly computed estimate.
func (r *JobRepository) SetETA(ctx context.Context, id string, etaSeconds int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET eta_seconds = $2 WHERE id = $1`, id, etaSeconds)
	if err != nil {
		return fmt.Errorf("update job eta: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return nil
}

// ActiveSnapshot returns every active job joined with its plan multiplier,
// in queue order.
func (r *JobRepository) ActiveSnapshot(ctx context.Context) ([]domain.QueuedJob, error) {
	var snapshot []domain.QueuedJob
	err := r.db.SelectContext(ctx, &snapshot,
		`SELECT j.id AS job_id, j.lane, j.input_minutes, p.target_multiplier,
		        j.eta_seconds, j.created_at
		 FROM jobs j
		 JOIN plans p ON p.id = j.plan_id
		 WHERE j.state IN ('QUEUED', 'INGESTING', 'TRANSCRIBING', 'ANALYZING',
		                   'EDITING', 'RENDERING', 'UPLOADING')
		 ORDER BY j.lane, j.created_at`)
	if err != nil {
		return nil, fmt.Errorf("select active jobs: %w", err)
	}
	return snapshot, nil
}

// AppendEvent appends one immutable state-transition event.
func (r *JobRepository) AppendEvent(ctx context.Context, ev domain.JobEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO job_events (job_id, state, detail, at) VALUES ($1, $2, $3, $4)`,
		ev.JobID, ev.State, ev.Detail, ev.At)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// Events returns the job's timeline ordered by occurrence.
func (r *JobRepository) Events(ctx context.Context, jobID string) ([]domain.JobEvent, error) {
	var events []domain.JobEvent
	err := r.db.SelectContext(ctx, &events,
		`SELECT id, job_id, state, detail, at
		 FROM job_events WHERE job_id = $1 ORDER BY at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select job events: %w", err)
	}
	return events, nil
}

// CreateSlaAudit writes the job's one-shot audit row. The primary key on
// job_id guarantees at-most-once semantics.
func (r *JobRepository) CreateSlaAudit(ctx context.Context, audit domain.JobSlaAudit) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO job_sla_audit (job_id, target_seconds, actual_seconds, breached, remedy)
		 VALUES ($1, $2, $3, $4, $5)`,
		audit.JobID, audit.TargetSeconds, audit.ActualSeconds, audit.Breached, audit.Remedy)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: sla audit already recorded for job %s", domain.ErrConflict, audit.JobID)
		}
		return fmt.Errorf("insert sla audit: %w", err)
	}
	return nil
}
