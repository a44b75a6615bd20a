// Package postgres provides the Postgres-backed result store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentryal/insar-pipeline/internal/insar"
)

// StoreConfig controls the Postgres connection pool used for sample rows.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type txQuerier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store writes deformation samples into Postgres. A batch commits inside one
// transaction, and the unique key on (job_id, point_id, measured_at) makes a
// replayed batch a no-op.
//
// Expected schema:
//
//	CREATE TABLE insar_samples (
//	    job_id      TEXT NOT NULL REFERENCES insar_jobs (id),
//	    point_id    TEXT NOT NULL,
//	    lat         DOUBLE PRECISION NOT NULL,
//	    lon         DOUBLE PRECISION NOT NULL,
//	    measured_at TIMESTAMPTZ NOT NULL,
//	    vertical_mm DOUBLE PRECISION NOT NULL,
//	    los_mm      DOUBLE PRECISION NOT NULL,
//	    coherence   DOUBLE PRECISION NOT NULL,
//	    trusted     BOOLEAN NOT NULL DEFAULT TRUE,
//	    UNIQUE (job_id, point_id, measured_at)
//	);
type Store struct {
	pool txQuerier
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
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
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for testing).
func NewStoreWithPool(pool txQuerier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const insertSample = `
INSERT INTO insar_samples (job_id, point_id, lat, lon, measured_at, vertical_mm, los_mm, coherence, trusted)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (job_id, point_id, measured_at) DO NOTHING`

// Commit persists a batch of samples in one transaction and returns how many
// rows were actually inserted. Duplicates from a replay count as zero.
func (s *Store) Commit(ctx context.Context, samples []insar.DeformationSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: begin batch: %v", insar.ErrPersistence, err)
	}
	defer func() {
		// Rollback after a successful commit is a harmless ErrTxClosed.
		_ = tx.Rollback(ctx)
	}()

	inserted := 0
	for _, sample := range samples {
		tag, err := tx.Exec(ctx, insertSample,
			sample.JobID,
			sample.PointID,
			sample.Lat,
			sample.Lon,
			sample.MeasuredAt,
			sample.VerticalMM,
			sample.LOSMM,
			sample.Coherence,
			sample.Trusted,
		)
		if err != nil {
			return 0, fmt.Errorf("%w: insert sample for point %s: %v", insar.ErrPersistence, sample.PointID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: commit batch: %v", insar.ErrPersistence, err)
	}
	return inserted, nil
}

const sampleColumns = `job_id, point_id, lat, lon, measured_at, vertical_mm, los_mm, coherence, trusted`

// ListByJob returns the samples committed for one job.
func (s *Store) ListByJob(ctx context.Context, jobID string) ([]insar.DeformationSample, error) {
	query := `SELECT ` + sampleColumns + ` FROM insar_samples WHERE job_id = $1 ORDER BY point_id`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list samples by job: %w", err)
	}
	return scanSamples(rows)
}

// ListByInfrastructure returns every sample recorded for an infrastructure
// asset across all of its jobs, newest acquisition first.
func (s *Store) ListByInfrastructure(ctx context.Context, infrastructureID string) ([]insar.DeformationSample, error) {
	query := `
SELECT s.job_id, s.point_id, s.lat, s.lon, s.measured_at, s.vertical_mm, s.los_mm, s.coherence, s.trusted
FROM insar_samples s
JOIN insar_jobs j ON j.id = s.job_id
WHERE j.infrastructure_id = $1
ORDER BY s.measured_at DESC, s.point_id`
	rows, err := s.pool.Query(ctx, query, infrastructureID)
	if err != nil {
		return nil, fmt.Errorf("list samples by infrastructure: %w", err)
	}
	return scanSamples(rows)
}

func scanSamples(rows pgx.Rows) ([]insar.DeformationSample, error) {
	defer rows.Close()
	var samples []insar.DeformationSample
	for rows.Next() {
		var sample insar.DeformationSample
		err := rows.Scan(
			&sample.JobID,
			&sample.PointID,
			&sample.Lat,
			&sample.Lon,
			&sample.MeasuredAt,
			&sample.VerticalMM,
			&sample.LOSMM,
			&sample.Coherence,
			&sample.Trusted,
		)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return samples, nil
}
