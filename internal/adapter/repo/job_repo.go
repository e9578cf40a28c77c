// Package repo contains the PostgreSQL-backed repositories.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"scenefit/internal/domain"
)

const jobColumns = `id, owner_id, tier, kind, inputs_json, provider, external_ref, state, attempt, result_json, error_json, created_at, updated_at, lease_expires_at`

// qualify prefixes every column with a table alias for queries that join.
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, part := range parts {
		parts[i] = alias + "." + part
	}
	return strings.Join(parts, ", ")
}

// JobRepositoryPG implements domain.JobRepository. Every state change carries
// its expected-state predicate in the WHERE clause, so concurrent workers and
// cancellations resolve inside the database rather than in application code.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	inputs, err := json.Marshal(job.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	query := `
INSERT INTO generation_jobs (id, owner_id, tier, kind, inputs_json, provider, state, attempt)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	state := job.State
	if state == "" {
		state = domain.JobStateQueued
	}
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.OwnerID,
		job.Tier,
		job.Kind,
		inputs,
		job.Provider,
		state,
		job.Attempt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrDuplicateJob
	}
	return err
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = $1;`
	return scanJob(r.pool.QueryRow(ctx, query, jobID))
}

// GetForOwner fetches a job scoped to its owner.
func (r *JobRepositoryPG) GetForOwner(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = $1 AND owner_id = $2;`
	return scanJob(r.pool.QueryRow(ctx, query, jobID, ownerID))
}

// ClaimNext atomically claims the best eligible job for a worker slot.
// SKIP LOCKED keeps concurrent workers from contending on the same row; each
// claimer simply sees the next candidate.
func (r *JobRepositoryPG) ClaimNext(ctx context.Context, opts domain.ClaimOptions) (*domain.Job, error) {
	query := `
WITH candidate AS (
    SELECT id
    FROM generation_jobs
    WHERE kind = $1
      AND attempt < $2
      AND (state = 'queued' OR (state = 'processing' AND lease_expires_at < NOW()))
    ORDER BY CASE tier WHEN 'pro' THEN 2 WHEN 'plus' THEN 1 ELSE 0 END DESC,
             created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE generation_jobs j
SET state = 'processing',
    lease_expires_at = NOW() + make_interval(secs => $3),
    updated_at = NOW()
FROM candidate
WHERE j.id = candidate.id
RETURNING ` + qualify("j", jobColumns) + `;`
	job, err := scanJob(r.pool.QueryRow(ctx, query, opts.Kind, opts.MaxAttempt, opts.LeaseFor.Seconds()))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNoJobAvailable
	}
	return job, err
}

// ExtendLease refreshes the liveness lease of a processing job.
func (r *JobRepositoryPG) ExtendLease(ctx context.Context, jobID string, leaseFor time.Duration) error {
	query := `
UPDATE generation_jobs
SET lease_expires_at = NOW() + make_interval(secs => $2),
    updated_at = NOW()
WHERE id = $1 AND state = 'processing';
`
	cmd, err := r.pool.Exec(ctx, query, jobID, leaseFor.Seconds())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return r.conflictFor(ctx, jobID)
	}
	return nil
}

// RecordAttempt persists the adapter invocation count.
func (r *JobRepositoryPG) RecordAttempt(ctx context.Context, jobID string, attempt int) error {
	query := `
UPDATE generation_jobs
SET attempt = $2, updated_at = NOW()
WHERE id = $1 AND state IN ('queued', 'processing');
`
	cmd, err := r.pool.Exec(ctx, query, jobID, attempt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return r.conflictFor(ctx, jobID)
	}
	return nil
}

// SetProvider stamps the adapter a job was dispatched to.
func (r *JobRepositoryPG) SetProvider(ctx context.Context, jobID, provider string) error {
	query := `
UPDATE generation_jobs
SET provider = $2, updated_at = NOW()
WHERE id = $1 AND state = 'processing';
`
	cmd, err := r.pool.Exec(ctx, query, jobID, provider)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return r.conflictFor(ctx, jobID)
	}
	return nil
}

// SetExternalRef records the remote task handle of a polling provider.
func (r *JobRepositoryPG) SetExternalRef(ctx context.Context, jobID, externalRef string) error {
	query := `
UPDATE generation_jobs
SET external_ref = $2, updated_at = NOW()
WHERE id = $1 AND state = 'processing';
`
	cmd, err := r.pool.Exec(ctx, query, jobID, externalRef)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return r.conflictFor(ctx, jobID)
	}
	return nil
}

// Complete moves processing -> completed and stores the result. A cancelled or
// already-terminal job loses the WHERE predicate and the late result is
// reported as a state conflict for the caller to discard.
func (r *JobRepositoryPG) Complete(ctx context.Context, jobID string, result domain.JobResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	query := `
UPDATE generation_jobs
SET state = 'completed',
    result_json = $2,
    error_json = NULL,
    lease_expires_at = NULL,
    updated_at = NOW()
WHERE id = $1 AND state = 'processing';
`
	cmd, err := r.pool.Exec(ctx, query, jobID, payload)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return r.conflictFor(ctx, jobID)
	}
	return nil
}

// Fail moves processing -> failed and stores the error.
func (r *JobRepositoryPG) Fail(ctx context.Context, jobID string, jobErr domain.JobError) error {
	payload, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	query := `
UPDATE generation_jobs
SET state = 'failed',
    error_json = $2,
    result_json = NULL,
    lease_expires_at = NULL,
    updated_at = NOW()
WHERE id = $1 AND state = 'processing';
`
	cmd, err := r.pool.Exec(ctx, query, jobID, payload)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return r.conflictFor(ctx, jobID)
	}
	return nil
}

// Cancel moves queued or processing -> cancelled on behalf of the owner.
func (r *JobRepositoryPG) Cancel(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	query := `
UPDATE generation_jobs
SET state = 'cancelled',
    lease_expires_at = NULL,
    updated_at = NOW()
WHERE id = $1 AND owner_id = $2 AND state IN ('queued', 'processing')
RETURNING ` + jobColumns + `;`
	job, err := scanJob(r.pool.QueryRow(ctx, query, jobID, ownerID))
	if errors.Is(err, domain.ErrNotFound) {
		existing, getErr := r.GetForOwner(ctx, jobID, ownerID)
		if getErr != nil {
			return nil, getErr
		}
		if existing.State.Terminal() {
			return nil, domain.ErrNotCancellable
		}
		return nil, domain.ErrStateConflict
	}
	return job, err
}

// FailExhausted terminally fails stalled processing jobs that ran out of
// attempts. Returns the affected job ids so the caller can notify owners.
func (r *JobRepositoryPG) FailExhausted(ctx context.Context, maxAttempt int) ([]string, error) {
	jobErr := domain.JobError{
		Code:    domain.ErrCodeStalled,
		Message: "processing stalled and the retry ceiling was reached",
	}
	payload, err := json.Marshal(jobErr)
	if err != nil {
		return nil, fmt.Errorf("marshal error: %w", err)
	}
	query := `
UPDATE generation_jobs
SET state = 'failed',
    error_json = $2,
    lease_expires_at = NULL,
    updated_at = NOW()
WHERE state = 'processing'
  AND lease_expires_at < NOW()
  AND attempt >= $1
RETURNING id;
`
	rows, err := r.pool.Query(ctx, query, maxAttempt, payload)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// conflictFor explains a zero-row conditional update: the job either does not
// exist or is no longer in the expected state.
func (r *JobRepositoryPG) conflictFor(ctx context.Context, jobID string) error {
	var state domain.JobState
	err := r.pool.QueryRow(ctx, `SELECT state FROM generation_jobs WHERE id = $1;`, jobID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrStateConflict
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job         domain.Job
		inputsJSON  []byte
		resultJSON  []byte
		errorJSON   []byte
		leaseExpiry *time.Time
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Tier,
		&job.Kind,
		&inputsJSON,
		&job.Provider,
		&job.ExternalRef,
		&job.State,
		&job.Attempt,
		&resultJSON,
		&errorJSON,
		&job.CreatedAt,
		&job.UpdatedAt,
		&leaseExpiry,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(inputsJSON, &job.Inputs); err != nil {
		return nil, fmt.Errorf("unmarshal inputs: %w", err)
	}
	if len(resultJSON) > 0 {
		job.Result = &domain.JobResult{}
		if err := json.Unmarshal(resultJSON, job.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		job.Error = &domain.JobError{}
		if err := json.Unmarshal(errorJSON, job.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if leaseExpiry != nil {
		job.LeaseExpiresAt = *leaseExpiry
	}
	return &job, nil
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
