// Package memory provides an in-memory ledger for development/testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sentryal/insar-pipeline/internal/insar"
)

// Ledger keeps jobs in a map guarded by a mutex. It mirrors the conditional
// transition semantics of the Postgres ledger so the scheduler behaves the
// same against either.
type Ledger struct {
	mu    sync.RWMutex
	jobs  map[string]insar.Job
	idGen insar.IDGenerator
	clock insar.Clock
}

// NewLedger constructs a Ledger.
func NewLedger(idGen insar.IDGenerator, clock insar.Clock) *Ledger {
	return &Ledger{
		jobs:  make(map[string]insar.Job),
		idGen: idGen,
		clock: clock,
	}
}

// Create inserts a new pending job.
func (l *Ledger) Create(_ context.Context, infrastructureID string, params insar.JobParameters) (insar.Job, error) {
	id, err := l.idGen.NewID()
	if err != nil {
		return insar.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := l.clock.Now()
	job := insar.Job{
		ID:               id,
		InfrastructureID: infrastructureID,
		Status:           insar.JobStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		Parameters:       params,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs[id] = job
	return job, nil
}

// ClaimDue leases the oldest unleased non-terminal job.
func (l *Ledger) ClaimDue(_ context.Context, owner string, lease time.Duration) (insar.Job, bool, error) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.jobs))
	for id := range l.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		job := l.jobs[id]
		if job.Status.IsTerminal() {
			continue
		}
		if job.LeasedUntil != nil && job.LeasedUntil.After(now) {
			continue
		}
		until := now.Add(lease)
		job.LeaseOwner = owner
		job.LeasedUntil = &until
		job.UpdatedAt = now
		l.jobs[id] = job
		return job, true, nil
	}
	return insar.Job{}, false, nil
}

// Release drops the worker's ownership and parks the job until retain has
// elapsed, so an in-flight job comes due at most once per poll interval.
func (l *Ledger) Release(_ context.Context, jobID string, retain time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return insar.ErrNotFound
	}
	job.LeaseOwner = ""
	if retain > 0 {
		until := l.clock.Now().Add(retain)
		job.LeasedUntil = &until
	} else {
		job.LeasedUntil = nil
	}
	job.UpdatedAt = l.clock.Now()
	l.jobs[jobID] = job
	return nil
}

// MarkSubmitted records the remote job id exactly once.
func (l *Ledger) MarkSubmitted(_ context.Context, jobID, remoteJobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return insar.ErrNotFound
	}
	if job.Status != insar.JobStatusPending || job.RemoteJobID != "" {
		return fmt.Errorf("%w: cannot submit job in status %s", insar.ErrInvalidTransition, job.Status)
	}
	job.Status = insar.JobStatusSubmitted
	job.RemoteJobID = remoteJobID
	job.UpdatedAt = l.clock.Now()
	l.jobs[jobID] = job
	return nil
}

// RecordPollResult bumps the attempt counter and maps the remote status.
func (l *Ledger) RecordPollResult(_ context.Context, jobID string, remote insar.RemoteStatus) (insar.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return insar.Job{}, insar.ErrNotFound
	}
	if job.Status != insar.JobStatusSubmitted && job.Status != insar.JobStatusRunning {
		return insar.Job{}, fmt.Errorf("%w: cannot poll job in status %s", insar.ErrInvalidTransition, job.Status)
	}
	job.Attempts++
	if remote != insar.RemotePending {
		job.Status = insar.JobStatusRunning
	}
	job.UpdatedAt = l.clock.Now()
	l.jobs[jobID] = job
	return job, nil
}

// MarkTerminal moves a job into an absorbing state.
func (l *Ledger) MarkTerminal(_ context.Context, jobID string, status insar.JobStatus, reason string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", insar.ErrInvalidTransition, status)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return insar.ErrNotFound
	}
	if job.Status.IsTerminal() {
		if job.Status == status {
			return nil
		}
		return fmt.Errorf("%w: job is %s, refusing %s", insar.ErrAlreadyTerminal, job.Status, status)
	}
	job.Status = status
	job.Reason = reason
	job.LeaseOwner = ""
	job.LeasedUntil = nil
	job.UpdatedAt = l.clock.Now()
	l.jobs[jobID] = job
	return nil
}

// UpdateStats attaches extraction statistics to the job record.
func (l *Ledger) UpdateStats(_ context.Context, jobID string, stats insar.BatchStats) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return insar.ErrNotFound
	}
	job.Stats = &stats
	job.UpdatedAt = l.clock.Now()
	l.jobs[jobID] = job
	return nil
}

// RequestCancel flags a non-terminal job for cancellation.
func (l *Ledger) RequestCancel(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return insar.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job is %s", insar.ErrAlreadyTerminal, job.Status)
	}
	job.CancelRequested = true
	job.UpdatedAt = l.clock.Now()
	l.jobs[jobID] = job
	return nil
}

// ExpireOverdue converts jobs past the age or attempt ceiling to expired.
// Jobs held by a live worker lease are left alone; the worker finishes its
// pass and the next sweep picks them up.
func (l *Ledger) ExpireOverdue(_ context.Context, maxAge time.Duration, maxAttempts int) (int, error) {
	now := l.clock.Now()
	cutoff := now.Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()

	expired := 0
	for id, job := range l.jobs {
		if job.Status.IsTerminal() {
			continue
		}
		if job.CreatedAt.After(cutoff) && job.Attempts < maxAttempts {
			continue
		}
		if job.LeaseOwner != "" && job.LeasedUntil != nil && job.LeasedUntil.After(now) {
			continue
		}
		job.Status = insar.JobStatusExpired
		job.Reason = fmt.Sprintf("exceeded ceiling after %d attempts", job.Attempts)
		job.LeaseOwner = ""
		job.LeasedUntil = nil
		job.UpdatedAt = now
		l.jobs[id] = job
		expired++
	}
	return expired, nil
}

// Get returns a job by id.
func (l *Ledger) Get(_ context.Context, jobID string) (insar.Job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return insar.Job{}, insar.ErrNotFound
	}
	return job, nil
}
