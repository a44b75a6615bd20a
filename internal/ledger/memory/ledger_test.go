package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentryal/insar-pipeline/internal/insar"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%03d", g.n), nil
}

func newTestLedger() (*Ledger, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewLedger(&seqIDs{}, clock), clock
}

func params() insar.JobParameters {
	return insar.JobParameters{
		ReferenceGranule: "S1A_REF",
		SecondaryGranule: "S1A_SEC",
		BBox:             insar.BoundingBox{North: 45.1, South: 45.0, East: 10.1, West: 10.0},
	}
}

func TestLedger_CreateAndGet(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger()
	ctx := context.Background()

	job, err := ledger.Create(ctx, "bridge-7", params())
	require.NoError(t, err)
	require.Equal(t, insar.JobStatusPending, job.Status)
	require.Equal(t, "bridge-7", job.InfrastructureID)
	require.Zero(t, job.Attempts)

	got, err := ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job, got)

	_, err = ledger.Get(ctx, "missing")
	require.ErrorIs(t, err, insar.ErrNotFound)
}

func TestLedger_ClaimExcludesLeasedJobs(t *testing.T) {
	t.Parallel()

	ledger, clock := newTestLedger()
	ctx := context.Background()
	created, err := ledger.Create(ctx, "dam-1", params())
	require.NoError(t, err)

	job, found, err := ledger.ClaimDue(ctx, "worker-0", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, created.ID, job.ID)

	// The lease keeps a second claimer away.
	_, found, err = ledger.ClaimDue(ctx, "worker-1", 5*time.Minute)
	require.NoError(t, err)
	require.False(t, found)

	// An expired lease makes the job due again.
	clock.Advance(6 * time.Minute)
	job, found, err = ledger.ClaimDue(ctx, "worker-1", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "worker-1", job.LeaseOwner)
}

func TestLedger_ReleaseMakesJobClaimable(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger()
	ctx := context.Background()
	job, err := ledger.Create(ctx, "dam-1", params())
	require.NoError(t, err)

	_, found, err := ledger.ClaimDue(ctx, "worker-0", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, ledger.Release(ctx, job.ID, 0))

	_, found, err = ledger.ClaimDue(ctx, "worker-1", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, found)
}

func TestLedger_ReleaseParksJobUntilRetainElapses(t *testing.T) {
	t.Parallel()

	ledger, clock := newTestLedger()
	ctx := context.Background()
	job, err := ledger.Create(ctx, "dam-1", params())
	require.NoError(t, err)

	_, found, err := ledger.ClaimDue(ctx, "worker-0", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, ledger.Release(ctx, job.ID, 30*time.Second))

	// The job stays parked for the retain window.
	_, found, err = ledger.ClaimDue(ctx, "worker-1", 5*time.Minute)
	require.NoError(t, err)
	require.False(t, found)

	clock.Advance(31 * time.Second)
	got, found, err := ledger.ClaimDue(ctx, "worker-1", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "worker-1", got.LeaseOwner)
}

func TestLedger_ClaimContention(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger()
	ctx := context.Background()
	_, err := ledger.Create(ctx, "dam-1", params())
	require.NoError(t, err)

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		owner := fmt.Sprintf("worker-%d", i)
		go func() {
			defer wg.Done()
			if _, found, err := ledger.ClaimDue(ctx, owner, time.Minute); err == nil && found {
				wins <- owner
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)
}

func TestLedger_SubmitLifecycle(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger()
	ctx := context.Background()
	job, err := ledger.Create(ctx, "dam-1", params())
	require.NoError(t, err)

	require.NoError(t, ledger.MarkSubmitted(ctx, job.ID, "remote-42"))

	got, err := ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, insar.JobStatusSubmitted, got.Status)
	require.Equal(t, "remote-42", got.RemoteJobID)

	// The remote id is recorded exactly once.
	err = ledger.MarkSubmitted(ctx, job.ID, "remote-43")
	require.ErrorIs(t, err, insar.ErrInvalidTransition)
	got, err = ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "remote-42", got.RemoteJobID)
}

func TestLedger_RecordPollResult(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger()
	ctx := context.Background()
	job, err := ledger.Create(ctx, "dam-1", params())
	require.NoError(t, err)
	require.NoError(t, ledger.MarkSubmitted(ctx, job.ID, "remote-42"))

	// A remote still in queue keeps the job submitted.
	got, err := ledger.RecordPollResult(ctx, job.ID, insar.RemotePending)
	require.NoError(t, err)
	require.Equal(t, insar.JobStatusSubmitted, got.Status)
	require.Equal(t, 1, got.Attempts)

	for i := 0; i < 3; i++ {
		got, err = ledger.RecordPollResult(ctx, job.ID, insar.RemoteRunning)
		require.NoError(t, err)
	}
	require.Equal(t, insar.JobStatusRunning, got.Status)
	require.Equal(t, 4, got.Attempts)

	// Polling a pending job is a programming error.
	other, err := ledger.Create(ctx, "dam-2", params())
	require.NoError(t, err)
	_, err = ledger.RecordPollResult(ctx, other.ID, insar.RemoteRunning)
	require.ErrorIs(t, err, insar.ErrInvalidTransition)
}

func TestLedger_MarkTerminal(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger()
	ctx := context.Background()
	job, err := ledger.Create(ctx, "dam-1", params())
	require.NoError(t, err)

	require.ErrorIs(t,
		ledger.MarkTerminal(ctx, job.ID, insar.JobStatusRunning, ""),
		insar.ErrInvalidTransition)

	require.NoError(t, ledger.MarkTerminal(ctx, job.ID, insar.JobStatusFailed, "submit rejected"))

	// Repeating the same terminal status is a no-op.
	require.NoError(t, ledger.MarkTerminal(ctx, job.ID, insar.JobStatusFailed, "submit rejected"))

	// A different terminal status is a conflict.
	err = ledger.MarkTerminal(ctx, job.ID, insar.JobStatusSucceeded, "")
	require.ErrorIs(t, err, insar.ErrAlreadyTerminal)

	got, err := ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, insar.JobStatusFailed, got.Status)
	require.Equal(t, "submit rejected", got.Reason)
}

func TestLedger_TerminalJobsAreNeverClaimed(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger()
	ctx := context.Background()
	job, err := ledger.Create(ctx, "dam-1", params())
	require.NoError(t, err)
	require.NoError(t, ledger.MarkTerminal(ctx, job.ID, insar.JobStatusCancelled, "cancelled by operator"))

	_, found, err := ledger.ClaimDue(ctx, "worker-0", time.Minute)
	require.NoError(t, err)
	require.False(t, found)
}

func TestLedger_RequestCancel(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger()
	ctx := context.Background()
	job, err := ledger.Create(ctx, "dam-1", params())
	require.NoError(t, err)

	require.NoError(t, ledger.RequestCancel(ctx, job.ID))
	got, err := ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, got.CancelRequested)

	require.NoError(t, ledger.MarkTerminal(ctx, job.ID, insar.JobStatusCancelled, "cancelled by operator"))
	require.ErrorIs(t, ledger.RequestCancel(ctx, job.ID), insar.ErrAlreadyTerminal)
}

func TestLedger_ExpireOverdue(t *testing.T) {
	t.Parallel()

	ledger, clock := newTestLedger()
	ctx := context.Background()

	old, err := ledger.Create(ctx, "dam-1", params())
	require.NoError(t, err)

	clock.Advance(13 * time.Hour)
	fresh, err := ledger.Create(ctx, "dam-2", params())
	require.NoError(t, err)

	n, err := ledger.ExpireOverdue(ctx, 12*time.Hour, 50)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := ledger.Get(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, insar.JobStatusExpired, got.Status)

	got, err = ledger.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, insar.JobStatusPending, got.Status)

	// A terminal job is never expired again.
	n, err = ledger.ExpireOverdue(ctx, 12*time.Hour, 50)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestLedger_ExpireOnAttemptCeiling(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger()
	ctx := context.Background()
	job, err := ledger.Create(ctx, "dam-1", params())
	require.NoError(t, err)
	require.NoError(t, ledger.MarkSubmitted(ctx, job.ID, "remote-1"))
	for i := 0; i < 3; i++ {
		_, err = ledger.RecordPollResult(ctx, job.ID, insar.RemoteRunning)
		require.NoError(t, err)
	}

	n, err := ledger.ExpireOverdue(ctx, 12*time.Hour, 3)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, insar.JobStatusExpired, got.Status)
	require.Contains(t, got.Reason, "3 attempts")
}

func TestLedger_ExpireSkipsActivelyLeasedJobs(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger()
	ctx := context.Background()
	job, err := ledger.Create(ctx, "dam-1", params())
	require.NoError(t, err)
	require.NoError(t, ledger.MarkSubmitted(ctx, job.ID, "remote-1"))
	for i := 0; i < 3; i++ {
		_, err = ledger.RecordPollResult(ctx, job.ID, insar.RemoteRunning)
		require.NoError(t, err)
	}

	// A worker is still holding the job; the sweep must not yank it away
	// mid-flight even though the attempt ceiling is reached.
	_, found, err := ledger.ClaimDue(ctx, "worker-0", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, found)

	n, err := ledger.ExpireOverdue(ctx, 12*time.Hour, 3)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, insar.JobStatusRunning, got.Status)

	// Once the worker lets go, the next sweep retires the job. A parked
	// release does not shield it: only an owned lease does.
	require.NoError(t, ledger.Release(ctx, job.ID, 30*time.Second))
	n, err = ledger.ExpireOverdue(ctx, 12*time.Hour, 3)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err = ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, insar.JobStatusExpired, got.Status)
}

func TestLedger_UpdateStats(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger()
	ctx := context.Background()
	job, err := ledger.Create(ctx, "dam-1", params())
	require.NoError(t, err)

	stats := insar.BatchStats{SamplesPersisted: 42, MeanLOSMM: -3.25}
	require.NoError(t, ledger.UpdateStats(ctx, job.ID, stats))

	got, err := ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Stats)
	require.Equal(t, stats, *got.Stats)
}
