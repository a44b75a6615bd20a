// Package scheduler drives jobs through their lifecycle: it claims due work,
// submits pending jobs, polls submitted ones, and post-processes finished
// interferograms into deformation samples.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentryal/insar-pipeline/internal/insar"
	"github.com/sentryal/insar-pipeline/internal/ratelimit"
	"github.com/sentryal/insar-pipeline/internal/telemetry"
)

// Config controls the scheduler.
type Config struct {
	// Workers is the number of concurrent claim loops.
	Workers int
	// Tick is the poll interval; every non-terminal unleased job becomes
	// due once per tick.
	Tick time.Duration
	// Lease is how long a claim excludes other workers. Must exceed Tick.
	Lease time.Duration
	// MaxAttempts and MaxJobAge bound how long a job may stay non-terminal.
	MaxAttempts int
	MaxJobAge   time.Duration
	// SweepEveryNTicks sets how often the expiry sweep runs.
	SweepEveryNTicks int
	// ArchivePrefix is the blob path prefix for raw artifact archives.
	ArchivePrefix string
	// CompletionEvent names the published terminal-state event.
	CompletionEvent string
}

// Extractor turns downloaded artifacts into samples.
type Extractor interface {
	Run(jobID string, artifacts []insar.Artifact, points []insar.Point) ([]insar.DeformationSample, insar.BatchStats, error)
}

// Scheduler owns the worker pool. All coordination between workers goes
// through the ledger's atomic claims, so running several scheduler processes
// against one database is safe.
type Scheduler struct {
	ledger    insar.Ledger
	results   insar.ResultStore
	remote    insar.ProcessingClient
	points    insar.PointSource
	blobs     insar.BlobStore
	publisher insar.Publisher
	extractor Extractor
	limiter   *ratelimit.Limiter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Scheduler.
func New(
	ledger insar.Ledger,
	results insar.ResultStore,
	remote insar.ProcessingClient,
	points insar.PointSource,
	blobs insar.BlobStore,
	publisher insar.Publisher,
	extractor Extractor,
	limiter *ratelimit.Limiter,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.Lease <= cfg.Tick {
		cfg.Lease = cfg.Tick * 10
	}
	if cfg.SweepEveryNTicks <= 0 {
		cfg.SweepEveryNTicks = 10
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "results"
	}
	if cfg.CompletionEvent == "" {
		cfg.CompletionEvent = "insar.job.terminal"
	}
	return &Scheduler{
		ledger:    ledger,
		results:   results,
		remote:    remote,
		points:    points,
		blobs:     blobs,
		publisher: publisher,
		extractor: extractor,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run starts the worker pool and the expiry sweep, blocking until the
// context finishes and all workers have drained.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		owner := fmt.Sprintf("worker-%d", i)
		go func() {
			defer wg.Done()
			s.runWorker(ctx, owner)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runSweep(ctx)
	}()
	<-ctx.Done()
	wg.Wait()
}

// runWorker claims and processes jobs until no work is due, then sleeps
// until the next tick.
func (s *Scheduler) runWorker(ctx context.Context, owner string) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		s.drain(ctx, owner)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) drain(ctx context.Context, owner string) {
	for ctx.Err() == nil {
		job, found, err := s.ledger.ClaimDue(ctx, owner, s.cfg.Lease)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("claim failed", zap.String("owner", owner), zap.Error(err))
			}
			return
		}
		if !found {
			return
		}
		s.processJob(ctx, job)
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick * time.Duration(s.cfg.SweepEveryNTicks))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ledger.ExpireOverdue(ctx, s.cfg.MaxJobAge, s.cfg.MaxAttempts)
			if err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				telemetry.ObserveJobsExpired(n)
				s.logger.Warn("expired overdue jobs", zap.Int("count", n))
			}
		}
	}
}

func (s *Scheduler) processJob(ctx context.Context, job insar.Job) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()
	defer func() {
		// Parking the job for a tick keeps drain from re-claiming it
		// immediately, so each job is driven at most once per tick.
		if err := s.ledger.Release(ctx, job.ID, s.cfg.Tick); err != nil && ctx.Err() == nil {
			s.logger.Warn("release lease", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()

	if job.CancelRequested {
		s.finish(ctx, job, insar.JobStatusCancelled, "cancelled by operator")
		return
	}

	switch job.Status {
	case insar.JobStatusPending:
		s.submit(ctx, job)
	case insar.JobStatusSubmitted, insar.JobStatusRunning:
		s.poll(ctx, job)
	default:
		s.logger.Warn("claimed job in unexpected status",
			zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
	}
}

// submit sends a pending job to the remote service. Transient failures leave
// the job pending so a later tick retries; permanent ones fail it.
func (s *Scheduler) submit(ctx context.Context, job insar.Job) {
	points, err := s.points.Points(ctx, job.InfrastructureID)
	if err != nil {
		if insar.IsPermanent(err) {
			s.finish(ctx, job, insar.JobStatusFailed, fmt.Sprintf("resolve points: %v", err))
			return
		}
		s.logger.Warn("resolve points failed, will retry",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if len(points) == 0 {
		s.finish(ctx, job, insar.JobStatusFailed,
			fmt.Sprintf("no points registered for infrastructure %s", job.InfrastructureID))
		return
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	remoteID, err := s.remote.Submit(ctx, job, points)
	if err != nil {
		if insar.IsPermanent(err) {
			s.finish(ctx, job, insar.JobStatusFailed, fmt.Sprintf("submit rejected: %v", err))
			return
		}
		s.logger.Warn("submit failed, will retry", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	if err := s.ledger.MarkSubmitted(ctx, job.ID, remoteID); err != nil {
		// Another worker or an operator moved the job underneath us; the
		// remote id is lost but the ledger state wins.
		s.logger.Error("mark submitted failed",
			zap.String("job_id", job.ID), zap.String("remote_job_id", remoteID), zap.Error(err))
		return
	}
	s.logger.Info("job submitted",
		zap.String("job_id", job.ID), zap.String("remote_job_id", remoteID))
}

// poll asks the remote service where a submitted job stands.
func (s *Scheduler) poll(ctx context.Context, job insar.Job) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	remoteStatus, err := s.remote.Status(ctx, job.RemoteJobID)
	if err != nil {
		if insar.IsPermanent(err) {
			s.finish(ctx, job, insar.JobStatusFailed, fmt.Sprintf("status rejected: %v", err))
			return
		}
		s.logger.Warn("status poll failed, will retry", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	telemetry.ObservePollAttempt()

	updated, err := s.ledger.RecordPollResult(ctx, job.ID, remoteStatus)
	if err != nil {
		s.logger.Error("record poll result failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	switch remoteStatus {
	case insar.RemoteFailed:
		s.finish(ctx, updated, insar.JobStatusFailed, "remote processing failed")
	case insar.RemoteSucceeded:
		s.complete(ctx, updated)
	default:
		s.logger.Debug("job still in flight",
			zap.String("job_id", job.ID),
			zap.String("remote_status", string(remoteStatus)),
			zap.Int("attempts", updated.Attempts))
	}
}

// complete downloads, archives, extracts, and commits a finished job.
// Extraction and persistence failures after remote success fail the job with
// a reason; the commit is transactional, so a failed job never carries
// partial sample data.
func (s *Scheduler) complete(ctx context.Context, job insar.Job) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	artifacts, err := s.remote.DownloadArtifacts(ctx, job.RemoteJobID)
	if err != nil {
		if insar.IsPermanent(err) {
			s.finish(ctx, job, insar.JobStatusFailed, fmt.Sprintf("download artifacts: %v", err))
			return
		}
		s.logger.Warn("artifact download failed, will retry",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	points, err := s.points.Points(ctx, job.InfrastructureID)
	if err != nil {
		s.logger.Warn("resolve points failed, will retry",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	s.archive(ctx, job, artifacts)

	samples, stats, err := s.extractor.Run(job.ID, artifacts, points)
	if err != nil {
		s.finish(ctx, job, insar.JobStatusFailed, fmt.Sprintf("post-processing: %v", err))
		return
	}

	inserted, err := s.results.Commit(ctx, samples)
	if err != nil {
		s.finish(ctx, job, insar.JobStatusFailed, fmt.Sprintf("post-processing: %v", err))
		return
	}
	telemetry.ObserveSamplesPersisted(inserted)

	if err := s.ledger.UpdateStats(ctx, job.ID, stats); err != nil {
		s.logger.Warn("update stats failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	job.Stats = &stats
	s.finish(ctx, job, insar.JobStatusSucceeded, "")
	s.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.Int("samples", stats.SamplesPersisted),
		zap.Int("inserted", inserted))
}

// archive stores the raw band files for audit and reprocessing. Failures are
// logged but never block the pipeline.
func (s *Scheduler) archive(ctx context.Context, job insar.Job, artifacts []insar.Artifact) {
	if s.blobs == nil {
		return
	}
	for _, art := range artifacts {
		path := fmt.Sprintf("%s/%s/%s.tif", s.cfg.ArchivePrefix, job.ID, art.Kind)
		uri, err := s.blobs.PutObject(ctx, path, "image/tiff", art.Data)
		if err != nil {
			s.logger.Warn("archive artifact failed",
				zap.String("job_id", job.ID), zap.String("path", path), zap.Error(err))
			continue
		}
		s.logger.Debug("artifact archived", zap.String("job_id", job.ID), zap.String("uri", uri))
	}
}

// terminalEvent is the payload published when a job reaches a terminal state.
type terminalEvent struct {
	JobID            string            `json:"job_id"`
	InfrastructureID string            `json:"infrastructure_id"`
	Status           insar.JobStatus   `json:"status"`
	Reason           string            `json:"reason,omitempty"`
	Stats            *insar.BatchStats `json:"stats,omitempty"`
}

func (s *Scheduler) finish(ctx context.Context, job insar.Job, status insar.JobStatus, reason string) {
	if err := s.ledger.MarkTerminal(ctx, job.ID, status, reason); err != nil {
		s.logger.Error("mark terminal failed",
			zap.String("job_id", job.ID), zap.String("status", string(status)), zap.Error(err))
		return
	}
	telemetry.ObserveJob(string(status))
	if status != insar.JobStatusSucceeded {
		s.logger.Warn("job finished",
			zap.String("job_id", job.ID),
			zap.String("status", string(status)),
			zap.String("reason", reason))
	}
	if s.publisher == nil {
		return
	}
	event := terminalEvent{
		JobID:            job.ID,
		InfrastructureID: job.InfrastructureID,
		Status:           status,
		Reason:           reason,
		Stats:            job.Stats,
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.CompletionEvent, event); err != nil {
		s.logger.Warn("publish terminal event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
