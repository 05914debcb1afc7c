package journal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-run/meridian/journal"
)

type stubClient struct {
	storedReq journal.StoreRequest
	storedAt  time.Time
	entries   []journal.Entry
	err       error
}

func (s *stubClient) StoreEntry(_ context.Context, req journal.StoreRequest, now time.Time) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.storedReq = req
	s.storedAt = now
	return "entry-1", nil
}

func (s *stubClient) Query(_ context.Context, _ journal.QueryRequest) ([]journal.Entry, error) {
	return s.entries, s.err
}

func TestStoreEntryRejectsMissingJobID(t *testing.T) {
	store, err := journal.NewStore(journal.Options{Client: &stubClient{}})
	require.NoError(t, err)

	_, err = store.StoreEntry(context.Background(), journal.StoreRequest{Kind: journal.KindFact, Content: "x"})
	require.Error(t, err)
}

func TestStoreEntryDelegatesToClient(t *testing.T) {
	client := &stubClient{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store, err := journal.NewStore(journal.Options{Client: client})
	require.NoError(t, err)
	store = store.WithClock(func() time.Time { return fixed })

	result, err := store.StoreEntry(context.Background(), journal.StoreRequest{JobID: "job-1", Kind: journal.KindEpisode, Content: "did a thing"})
	require.NoError(t, err)
	require.Equal(t, "entry-1", result.ID)
	require.Equal(t, "job-1", client.storedReq.JobID)
	require.Equal(t, fixed, client.storedAt)
}

func TestQueryReturnsClientEntries(t *testing.T) {
	client := &stubClient{entries: []journal.Entry{{ID: "e1", JobID: "job-1", Kind: journal.KindFact}}}
	store, err := journal.NewStore(journal.Options{Client: client})
	require.NoError(t, err)

	result, err := store.Query(context.Background(), journal.QueryRequest{Text: "thing"})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	require.Equal(t, "e1", result.Entries[0].ID)
}
