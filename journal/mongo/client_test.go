package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/meridian-run/meridian/journal"
)

type fakeCollection struct {
	docs    []entryDocument
	indexed bool
}

func (f *fakeCollection) InsertOne(_ context.Context, doc entryDocument) error {
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeCollection) Find(_ context.Context, _ any) ([]entryDocument, error) {
	out := make([]entryDocument, len(f.docs))
	copy(out, f.docs)
	return out, nil
}

func (f *fakeCollection) Indexes() indexView {
	return f
}

func (f *fakeCollection) CreateOne(_ context.Context, _ mongodriver.IndexModel) (string, error) {
	f.indexed = true
	return "job_id_1_timestamp_-1", nil
}

func TestClientStoreEntryAssignsIDAndTimestamp(t *testing.T) {
	fake := &fakeCollection{}
	c := &client{coll: fake, timeout: time.Second}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	id, err := c.StoreEntry(context.Background(), journal.StoreRequest{JobID: "job-1", Kind: journal.KindEpisode, Content: "ran a gear"}, now)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, fake.docs, 1)
	require.Equal(t, "job-1", fake.docs[0].JobID)
	require.Equal(t, now, fake.docs[0].Timestamp)
}

func TestClientStoreEntryRejectsMissingJobID(t *testing.T) {
	c := &client{coll: &fakeCollection{}, timeout: time.Second}
	_, err := c.StoreEntry(context.Background(), journal.StoreRequest{Content: "x"}, time.Now())
	require.Error(t, err)
}

func TestClientQueryAppliesLimitAndOrdering(t *testing.T) {
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := &fakeCollection{docs: []entryDocument{
		{ID: "old", JobID: "job-1", Timestamp: older},
		{ID: "new", JobID: "job-1", Timestamp: newer},
	}}
	c := &client{coll: fake, timeout: time.Second}

	entries, err := c.Query(context.Background(), journal.QueryRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "new", entries[0].ID)
}

func TestEnsureIndexesCreatesCompoundIndex(t *testing.T) {
	fake := &fakeCollection{}
	require.NoError(t, ensureIndexes(context.Background(), fake))
	require.True(t, fake.indexed)
}
