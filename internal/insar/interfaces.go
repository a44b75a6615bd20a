package insar

import (
	"context"
	"time"
)

// Ledger is the durable record of job identity and state. It is the only
// shared mutable state between workers; every mutation is an atomic
// conditional transition so that workers in separate processes coordinate
// without in-process locks.
type Ledger interface {
	// Create inserts a new pending job.
	Create(ctx context.Context, infrastructureID string, params JobParameters) (Job, error)
	// ClaimDue atomically leases the next due job for the named owner.
	// found is false when no job is due this tick.
	ClaimDue(ctx context.Context, owner string, lease time.Duration) (job Job, found bool, err error)
	// Release drops the worker's ownership and parks the job for retain, so
	// a still-active job becomes due again only after the retain window. A
	// zero retain makes the job immediately claimable.
	Release(ctx context.Context, jobID string, retain time.Duration) error
	// MarkSubmitted records the remote job id; fails with ErrInvalidTransition
	// unless the job is pending. The remote id is set exactly once.
	MarkSubmitted(ctx context.Context, jobID, remoteJobID string) error
	// RecordPollResult maps a remote status onto the state machine and
	// increments the attempt counter, returning the updated job.
	RecordPollResult(ctx context.Context, jobID string, remote RemoteStatus) (Job, error)
	// MarkTerminal moves the job into an absorbing state. Repeating the same
	// terminal status is a no-op; a different one fails with ErrAlreadyTerminal.
	MarkTerminal(ctx context.Context, jobID string, status JobStatus, reason string) error
	// UpdateStats attaches extraction batch statistics to the job record.
	UpdateStats(ctx context.Context, jobID string, stats BatchStats) error
	// RequestCancel flags the job so the scheduler skips or terminates it.
	RequestCancel(ctx context.Context, jobID string) error
	// ExpireOverdue converts non-terminal jobs past the age or attempt ceiling
	// to expired, returning how many were converted.
	ExpireOverdue(ctx context.Context, maxAge time.Duration, maxAttempts int) (int, error)
	// Get returns a job by id, or ErrNotFound.
	Get(ctx context.Context, jobID string) (Job, error)
}

// ResultStore commits extracted samples.
type ResultStore interface {
	// Commit writes a batch in one transaction and returns how many samples
	// were new. Re-invoking with overlapping samples must not create
	// duplicates.
	Commit(ctx context.Context, samples []DeformationSample) (int, error)
	ListByJob(ctx context.Context, jobID string) ([]DeformationSample, error)
	ListByInfrastructure(ctx context.Context, infrastructureID string) ([]DeformationSample, error)
}

// ProcessingClient is the adapter for the remote InSAR processing service.
// Errors are classified transient or permanent; see IsTransient/IsPermanent.
type ProcessingClient interface {
	Submit(ctx context.Context, job Job, points []Point) (remoteJobID string, err error)
	Status(ctx context.Context, remoteJobID string) (RemoteStatus, error)
	DownloadArtifacts(ctx context.Context, remoteJobID string) ([]Artifact, error)
}

// PointSource resolves the monitored points for an infrastructure.
type PointSource interface {
	Points(ctx context.Context, infrastructureID string) ([]Point, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes terminal-state events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
