package maintenance_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-run/meridian/approval"
	"github.com/meridian-run/meridian/audit"
	"github.com/meridian-run/meridian/job"
	"github.com/meridian-run/meridian/maintenance"
	"github.com/meridian-run/meridian/storage"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "meridian.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.Migrate(context.Background(), db))
	return db
}

func TestPruneNoncesExpiresPastNonces(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	nonces := approval.NewNonceStore(db, time.Millisecond)

	_, _, err := nonces.Issue(ctx, "job-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	runner := maintenance.New(nonces, nil, nil, nil, nil, maintenance.Intervals{})
	affected, err := runner.PruneNoncesNow(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	ok, err := nonces.Verify(ctx, "job-1", "anything")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPruneDedupHashesClearsOldTerminalRows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	scheduler := job.New(db, nil, nil)

	fixed := time.Now()
	scheduler = scheduler.WithClock(func() time.Time { return fixed.Add(-48 * time.Hour) })
	j, _, err := scheduler.CreateJob(ctx, job.CreateOptions{
		Source: job.SourceUser, UserID: "u1", Content: "old job", DedupWindowMs: int64(time.Hour / time.Millisecond),
	})
	require.NoError(t, err)
	require.NotNil(t, j.DedupHash)

	require.NoError(t, scheduler.Transition(ctx, j.ID, job.StatusPending, job.StatusPlanning, job.Patch{}))
	require.NoError(t, scheduler.Transition(ctx, j.ID, job.StatusPlanning, job.StatusValidating, job.Patch{}))
	require.NoError(t, scheduler.Transition(ctx, j.ID, job.StatusValidating, job.StatusExecuting, job.Patch{}))
	require.NoError(t, scheduler.Transition(ctx, j.ID, job.StatusExecuting, job.StatusCompleted, job.Patch{}))

	runner := maintenance.New(nil, db, nil, nil, nil, maintenance.Intervals{}).WithClock(func() time.Time { return fixed })
	affected, err := runner.PruneDedupHashesNow(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	got, err := scheduler.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Nil(t, got.DedupHash)
}

func TestRollPartitionOpensCurrentMonth(t *testing.T) {
	partitions := audit.NewPartitions(t.TempDir(), nil)
	t.Cleanup(func() { _ = partitions.Close() })

	runner := maintenance.New(nil, nil, partitions, nil, nil, maintenance.Intervals{})
	affected, err := runner.RollPartitionNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), affected)
}

func TestStartStopRunsWithoutPanicking(t *testing.T) {
	db := newTestDB(t)
	nonces := approval.NewNonceStore(db, time.Hour)
	runner := maintenance.New(nonces, db, nil, nil, nil, maintenance.Intervals{NonceExpiry: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)
	time.Sleep(15 * time.Millisecond)
	cancel()
	runner.Stop()
}
