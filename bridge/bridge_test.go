package bridge_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-run/meridian/approval"
	"github.com/meridian-run/meridian/bridge"
	"github.com/meridian-run/meridian/job"
	"github.com/meridian-run/meridian/storage"
)

func newTestService(t *testing.T) (*bridge.Service, *job.Scheduler, *approval.NonceStore) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "meridian.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.Migrate(context.Background(), db))

	scheduler := job.New(db, nil, nil)
	nonces := approval.NewNonceStore(db, time.Hour)
	pool := job.NewPool(scheduler, nil, nil, nil, nil, nil, nil, nil, 1, 0, 0)
	endpoint := approval.NewEndpoint(nonces, nil, scheduler, pool)
	return bridge.New(scheduler, endpoint), scheduler, nonces
}

func TestOperationsExposesThreeOperations(t *testing.T) {
	svc, _, _ := newTestService(t)
	ops := svc.Operations()
	require.Len(t, ops, 3)
}

func TestStatusEventMarshalsToJSON(t *testing.T) {
	ev := bridge.StatusEvent{JobID: "job-1", Status: "completed", Timestamp: time.Unix(0, 0).UTC()}
	b, err := ev.Marshal()
	require.NoError(t, err)
	require.Contains(t, string(b), `"jobId":"job-1"`)
	require.Contains(t, string(b), `"status":"completed"`)
}

func TestRejectTransitionsJobToCancelled(t *testing.T) {
	_, scheduler, nonces := newTestService(t)
	ctx := context.Background()

	j, _, err := scheduler.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, UserID: "u1", Content: "do a thing"})
	require.NoError(t, err)
	require.NoError(t, scheduler.Transition(ctx, j.ID, job.StatusPending, job.StatusPlanning, job.Patch{}))
	require.NoError(t, scheduler.Transition(ctx, j.ID, job.StatusPlanning, job.StatusValidating, job.Patch{}))
	require.NoError(t, scheduler.Transition(ctx, j.ID, job.StatusValidating, job.StatusAwaitingApproval, job.Patch{}))

	nonce, _, err := nonces.Issue(ctx, j.ID)
	require.NoError(t, err)

	pool := job.NewPool(scheduler, nil, nil, nil, nil, nil, nil, nil, 1, 0, 0)
	endpoint := approval.NewEndpoint(nonces, nil, scheduler, pool)
	require.NoError(t, endpoint.Reject(ctx, j.ID, nonce, "user declined"))

	got, err := scheduler.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCancelled, got.Status)
}

func TestApproveRejectsInvalidNonceWithoutResuming(t *testing.T) {
	_, scheduler, nonces := newTestService(t)
	ctx := context.Background()

	j, _, err := scheduler.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, UserID: "u1", Content: "do a thing"})
	require.NoError(t, err)

	pool := job.NewPool(scheduler, nil, nil, nil, nil, nil, nil, nil, 1, 0, 0)
	endpoint := approval.NewEndpoint(nonces, nil, scheduler, pool)
	err = endpoint.Approve(ctx, j.ID, "not-a-real-nonce")
	require.Error(t, err)

	got, err := scheduler.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusPending, got.Status)
}
