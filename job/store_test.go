package job_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-run/meridian/job"
	"github.com/meridian-run/meridian/storage"
)

func newTestScheduler(t *testing.T) *job.Scheduler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meridian.db")
	db, err := storage.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.Migrate(context.Background(), db))
	return job.New(db, nil, nil)
}

func TestCreateJobAndClaim(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	j, dup, err := s.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, UserID: "u1", Content: "summarize x"})
	require.NoError(t, err)
	require.False(t, dup)
	require.Equal(t, job.StatusPending, j.Status)

	claimed, err := s.Claim(ctx, "worker-1", 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, j.ID, claimed[0].ID)
	require.Equal(t, job.StatusPlanning, claimed[0].Status)
	require.NotNil(t, claimed[0].WorkerID)
	require.Equal(t, "worker-1", *claimed[0].WorkerID)
}

func TestDedupWithinWindowReturnsExisting(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	opts := job.CreateOptions{Source: job.SourceUser, UserID: "u1", Content: "do x", DedupWindowMs: 60_000}
	first, dup1, err := s.CreateJob(ctx, opts)
	require.NoError(t, err)
	require.False(t, dup1)

	second, dup2, err := s.CreateJob(ctx, opts)
	require.NoError(t, err)
	require.True(t, dup2)
	require.Equal(t, first.ID, second.ID)
}

func TestDedupAfterTerminalAllowsNewJob(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	opts := job.CreateOptions{Source: job.SourceUser, UserID: "u1", Content: "do x", DedupWindowMs: 60_000}

	first, _, err := s.CreateJob(ctx, opts)
	require.NoError(t, err)

	_, err = s.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, first.ID, job.StatusPlanning, job.StatusValidating, job.Patch{}))
	require.NoError(t, s.Transition(ctx, first.ID, job.StatusValidating, job.StatusExecuting, job.Patch{}))
	require.NoError(t, s.Transition(ctx, first.ID, job.StatusExecuting, job.StatusCompleted, job.Patch{}))

	third, dup, err := s.CreateJob(ctx, opts)
	require.NoError(t, err)
	require.False(t, dup)
	require.NotEqual(t, first.ID, third.ID)
}

func TestTransitionConflictOnWrongState(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	j, _, err := s.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser})
	require.NoError(t, err)

	err = s.Transition(ctx, j.ID, job.StatusValidating, job.StatusExecuting, job.Patch{})
	require.Error(t, err)
}

func TestCancelJobFromNonTerminal(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	j, _, err := s.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser})
	require.NoError(t, err)

	require.NoError(t, s.CancelJob(ctx, j.ID))
	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestCancelJobAlreadyTerminalConflicts(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	j, _, err := s.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser})
	require.NoError(t, err)
	require.NoError(t, s.CancelJob(ctx, j.ID))
	require.Error(t, s.CancelJob(ctx, j.ID))
}

func TestRecoverNonTerminalResetsButPreservesAwaitingApproval(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	executing, _, err := s.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "worker-x", 1)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, executing.ID, job.StatusPlanning, job.StatusValidating, job.Patch{}))
	require.NoError(t, s.Transition(ctx, executing.ID, job.StatusValidating, job.StatusExecuting, job.Patch{}))

	awaiting, _, err := s.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "worker-x", 1)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, awaiting.ID, job.StatusPlanning, job.StatusValidating, job.Patch{}))
	require.NoError(t, s.Transition(ctx, awaiting.ID, job.StatusValidating, job.StatusAwaitingApproval, job.Patch{ClearWorkerID: true}))

	completed, _, err := s.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "worker-x", 1)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, completed.ID, job.StatusPlanning, job.StatusValidating, job.Patch{}))
	require.NoError(t, s.Transition(ctx, completed.ID, job.StatusValidating, job.StatusExecuting, job.Patch{}))
	require.NoError(t, s.Transition(ctx, completed.ID, job.StatusExecuting, job.StatusCompleted, job.Patch{}))

	result, err := s.RecoverNonTerminal(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.NonTerminal) // executing + awaiting, not completed
	require.ElementsMatch(t, []string{executing.ID}, result.Reset)

	gotExecuting, err := s.Get(ctx, executing.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusPending, gotExecuting.Status)
	require.Nil(t, gotExecuting.WorkerID)

	gotAwaiting, err := s.Get(ctx, awaiting.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusAwaitingApproval, gotAwaiting.Status)
}

func TestDedupHashQuantumBoundary(t *testing.T) {
	windowMs := int64(1000)
	k := int64(42)
	h1 := job.ComputeDedupHash("u", "c", k*windowMs-1, windowMs)
	h2 := job.ComputeDedupHash("u", "c", k*windowMs, windowMs)
	require.NotEqual(t, h1, h2)
}

func TestDedupHashSameQuantum(t *testing.T) {
	h1 := job.ComputeDedupHash("u", "c", 10_000, 60_000)
	h2 := job.ComputeDedupHash("u", "c", 10_500, 60_000)
	require.Equal(t, h1, h2)
}

func TestDedupHashDelimiterObligation(t *testing.T) {
	h1 := job.ComputeDedupHash("abc", "def", 0, 1000)
	h2 := job.ComputeDedupHash("ab", "cdef", 0, 1000)
	require.NotEqual(t, h1, h2)
}

func TestWithClockDeterministicWindow(t *testing.T) {
	s := newTestScheduler(t)
	fixed := time.UnixMilli(59_999)
	s.WithClock(func() time.Time { return fixed })
	j, _, err := s.CreateJob(context.Background(), job.CreateOptions{
		Source: job.SourceUser, UserID: "u", Content: "c", DedupWindowMs: 60_000,
	})
	require.NoError(t, err)
	require.NotNil(t, j.DedupHash)
}
