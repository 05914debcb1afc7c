package approval_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-run/meridian/approval"
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

func TestNonceVerifySucceedsOnce(t *testing.T) {
	db := newTestDB(t)
	store := approval.NewNonceStore(db, time.Hour)
	ctx := context.Background()

	nonce, _, err := store.Issue(ctx, "job-1")
	require.NoError(t, err)

	ok, err := store.Verify(ctx, "job-1", nonce)
	require.NoError(t, err)
	require.True(t, ok)

	ok2, err := store.Verify(ctx, "job-1", nonce)
	require.NoError(t, err)
	require.False(t, ok2)
}

func TestNonceVerifyWrongValueFails(t *testing.T) {
	db := newTestDB(t)
	store := approval.NewNonceStore(db, time.Hour)
	ctx := context.Background()

	_, _, err := store.Issue(ctx, "job-1")
	require.NoError(t, err)

	ok, err := store.Verify(ctx, "job-1", "not-the-nonce")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNonceExpiresAfterTTL(t *testing.T) {
	db := newTestDB(t)
	store := approval.NewNonceStore(db, time.Millisecond)
	now := time.Now()
	store.WithClock(func() time.Time { return now })
	ctx := context.Background()

	nonce, _, err := store.Issue(ctx, "job-1")
	require.NoError(t, err)

	store.WithClock(func() time.Time { return now.Add(time.Hour) })
	ok, err := store.Verify(ctx, "job-1", nonce)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIssueReplacesPriorNonce(t *testing.T) {
	db := newTestDB(t)
	store := approval.NewNonceStore(db, time.Hour)
	ctx := context.Background()

	first, _, err := store.Issue(ctx, "job-1")
	require.NoError(t, err)
	second, _, err := store.Issue(ctx, "job-1")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	ok, err := store.Verify(ctx, "job-1", first)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.Verify(ctx, "job-1", second)
	require.NoError(t, err)
	require.True(t, ok)
}
