// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentryal/insar-pipeline/internal/insar"
)

// LedgerConfig controls the Postgres connection pool used for job rows.
type LedgerConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Ledger persists jobs in the insar_jobs table. Transitions are enforced by
// conditional UPDATEs so concurrent workers cannot race a job into an
// inconsistent state.
//
// Expected schema:
//
//	CREATE TABLE insar_jobs (
//	    id                TEXT PRIMARY KEY,
//	    infrastructure_id TEXT NOT NULL,
//	    remote_job_id     TEXT,
//	    status            TEXT NOT NULL,
//	    attempts          INTEGER NOT NULL DEFAULT 0,
//	    reason            TEXT NOT NULL DEFAULT '',
//	    cancel_requested  BOOLEAN NOT NULL DEFAULT FALSE,
//	    lease_owner       TEXT,
//	    leased_until      TIMESTAMPTZ,
//	    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    parameters        JSONB NOT NULL,
//	    stats             JSONB
//	);
type Ledger struct {
	pool  querier
	idGen insar.IDGenerator
}

// NewLedger creates a Postgres-backed Ledger using the provided config.
func NewLedger(ctx context.Context, cfg LedgerConfig, idGen insar.IDGenerator) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: pool, idGen: idGen}, nil
}

// NewLedgerWithPool constructs a Ledger from an existing pool (primarily for testing).
func NewLedgerWithPool(pool querier, idGen insar.IDGenerator) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Ledger{pool: pool, idGen: idGen}, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

const jobColumns = `id, infrastructure_id, COALESCE(remote_job_id, ''), status, attempts, reason,
	cancel_requested, COALESCE(lease_owner, ''), leased_until, created_at, updated_at, parameters, stats`

// Create inserts a new pending job.
func (l *Ledger) Create(ctx context.Context, infrastructureID string, params insar.JobParameters) (insar.Job, error) {
	id, err := l.idGen.NewID()
	if err != nil {
		return insar.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return insar.Job{}, fmt.Errorf("marshal job parameters: %w", err)
	}
	query := `
INSERT INTO insar_jobs (id, infrastructure_id, status, parameters)
VALUES ($1, $2, $3, $4)
RETURNING ` + jobColumns
	row := l.pool.QueryRow(ctx, query, id, infrastructureID, string(insar.JobStatusPending), paramsJSON)
	job, err := scanJob(row)
	if err != nil {
		return insar.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ClaimDue leases the oldest unleased non-terminal job. SKIP LOCKED keeps
// concurrent claimers from blocking on each other.
func (l *Ledger) ClaimDue(ctx context.Context, owner string, lease time.Duration) (insar.Job, bool, error) {
	query := `
UPDATE insar_jobs
SET lease_owner = $1, leased_until = now() + $2, updated_at = now()
WHERE id = (
	SELECT id FROM insar_jobs
	WHERE status IN ('pending', 'submitted', 'running')
	  AND (leased_until IS NULL OR leased_until < now())
	ORDER BY created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns
	row := l.pool.QueryRow(ctx, query, owner, lease)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return insar.Job{}, false, nil
	}
	if err != nil {
		return insar.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// Release drops the worker's ownership and parks the job until retain has
// elapsed, so an in-flight job comes due at most once per poll interval.
func (l *Ledger) Release(ctx context.Context, jobID string, retain time.Duration) error {
	query := `
UPDATE insar_jobs
SET lease_owner = NULL, leased_until = now() + $2, updated_at = now()
WHERE id = $1`
	tag, err := l.pool.Exec(ctx, query, jobID, retain)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return insar.ErrNotFound
	}
	return nil
}

// MarkSubmitted records the remote job id exactly once. The WHERE clause
// only matches a pending job with no remote id, so a lost race or a replay
// surfaces as an invalid transition.
func (l *Ledger) MarkSubmitted(ctx context.Context, jobID, remoteJobID string) error {
	query := `
UPDATE insar_jobs
SET status = 'submitted', remote_job_id = $2, updated_at = now()
WHERE id = $1 AND status = 'pending' AND remote_job_id IS NULL`
	tag, err := l.pool.Exec(ctx, query, jobID, remoteJobID)
	if err != nil {
		return fmt.Errorf("mark job submitted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return l.transitionError(ctx, jobID, "submit")
	}
	return nil
}

// RecordPollResult bumps the attempt counter and maps the remote status.
func (l *Ledger) RecordPollResult(ctx context.Context, jobID string, remote insar.RemoteStatus) (insar.Job, error) {
	status := string(insar.JobStatusRunning)
	if remote == insar.RemotePending {
		status = string(insar.JobStatusSubmitted)
	}
	query := `
UPDATE insar_jobs
SET status = $2, attempts = attempts + 1, updated_at = now()
WHERE id = $1 AND status IN ('submitted', 'running')
RETURNING ` + jobColumns
	row := l.pool.QueryRow(ctx, query, jobID, status)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return insar.Job{}, l.transitionError(ctx, jobID, "poll")
	}
	if err != nil {
		return insar.Job{}, fmt.Errorf("record poll result: %w", err)
	}
	return job, nil
}

// MarkTerminal moves a job into an absorbing state and drops its lease.
// Repeating the same terminal status is a no-op.
func (l *Ledger) MarkTerminal(ctx context.Context, jobID string, status insar.JobStatus, reason string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", insar.ErrInvalidTransition, status)
	}
	query := `
UPDATE insar_jobs
SET status = $2, reason = $3, lease_owner = NULL, leased_until = NULL, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'submitted', 'running')`
	tag, err := l.pool.Exec(ctx, query, jobID, string(status), reason)
	if err != nil {
		return fmt.Errorf("mark job terminal: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	job, err := l.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == status {
		return nil
	}
	return fmt.Errorf("%w: job is %s, refusing %s", insar.ErrAlreadyTerminal, job.Status, status)
}

// UpdateStats attaches extraction statistics to the job record.
func (l *Ledger) UpdateStats(ctx context.Context, jobID string, stats insar.BatchStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal job stats: %w", err)
	}
	query := `
UPDATE insar_jobs
SET stats = $2, updated_at = now()
WHERE id = $1`
	tag, err := l.pool.Exec(ctx, query, jobID, statsJSON)
	if err != nil {
		return fmt.Errorf("update job stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return insar.ErrNotFound
	}
	return nil
}

// RequestCancel flags a non-terminal job for cancellation.
func (l *Ledger) RequestCancel(ctx context.Context, jobID string) error {
	query := `
UPDATE insar_jobs
SET cancel_requested = TRUE, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'submitted', 'running')`
	tag, err := l.pool.Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		job, err := l.Get(ctx, jobID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job is %s", insar.ErrAlreadyTerminal, job.Status)
	}
	return nil
}

// ExpireOverdue converts jobs past the age or attempt ceiling to expired.
// Jobs held by a live worker lease are left alone; the worker finishes its
// pass and the next sweep picks them up.
func (l *Ledger) ExpireOverdue(ctx context.Context, maxAge time.Duration, maxAttempts int) (int, error) {
	query := `
UPDATE insar_jobs
SET status = 'expired',
    reason = 'exceeded ceiling after ' || attempts || ' attempts',
    lease_owner = NULL, leased_until = NULL, updated_at = now()
WHERE status IN ('pending', 'submitted', 'running')
  AND (created_at < now() - $1 OR attempts >= $2)
  AND (lease_owner IS NULL OR leased_until IS NULL OR leased_until < now())`
	tag, err := l.pool.Exec(ctx, query, maxAge, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("expire overdue jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get returns a job by id.
func (l *Ledger) Get(ctx context.Context, jobID string) (insar.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM insar_jobs WHERE id = $1`
	row := l.pool.QueryRow(ctx, query, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return insar.Job{}, insar.ErrNotFound
	}
	if err != nil {
		return insar.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// transitionError distinguishes a missing job from an illegal transition
// after a conditional UPDATE touched zero rows.
func (l *Ledger) transitionError(ctx context.Context, jobID, verb string) error {
	job, err := l.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job is %s", insar.ErrAlreadyTerminal, job.Status)
	}
	return fmt.Errorf("%w: cannot %s job in status %s", insar.ErrInvalidTransition, verb, job.Status)
}

func scanJob(row pgx.Row) (insar.Job, error) {
	var (
		job        insar.Job
		status     string
		paramsJSON []byte
		statsJSON  []byte
	)
	err := row.Scan(
		&job.ID,
		&job.InfrastructureID,
		&job.RemoteJobID,
		&status,
		&job.Attempts,
		&job.Reason,
		&job.CancelRequested,
		&job.LeaseOwner,
		&job.LeasedUntil,
		&job.CreatedAt,
		&job.UpdatedAt,
		&paramsJSON,
		&statsJSON,
	)
	if err != nil {
		return insar.Job{}, err
	}
	job.Status = insar.JobStatus(status)
	if err := json.Unmarshal(paramsJSON, &job.Parameters); err != nil {
		return insar.Job{}, fmt.Errorf("unmarshal job parameters: %w", err)
	}
	if len(statsJSON) > 0 {
		var stats insar.BatchStats
		if err := json.Unmarshal(statsJSON, &stats); err != nil {
			return insar.Job{}, fmt.Errorf("unmarshal job stats: %w", err)
		}
		job.Stats = &stats
	}
	return job, nil
}
