package journal

import (
	"context"
	"errors"
	"time"
)

// Client is the low-level seam Store delegates to: a narrow interface
// (this file) separate from its concrete Mongo implementation
// (journal/mongo), so Store's tests never need a live database.
type Client interface {
	StoreEntry(ctx context.Context, req StoreRequest, now time.Time) (string, error)
	Query(ctx context.Context, req QueryRequest) ([]Entry, error)
}

// Options configures Store.
type Options struct {
	Client Client
}

// Store implements the journal.store/journal.query operations over a
// Client. It has no business logic of its own beyond delegation and input
// validation.
type Store struct {
	client Client
	now    func() time.Time
}

// NewStore builds a Store over an already-constructed Client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("journal: client is required")
	}
	return &Store{client: opts.Client, now: time.Now}, nil
}

// WithClock overrides the time source used to stamp stored entries.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// StoreEntry persists an episode or fact and returns its assigned id.
func (s *Store) StoreEntry(ctx context.Context, req StoreRequest) (StoreResult, error) {
	if req.JobID == "" {
		return StoreResult{}, errors.New("journal: job id is required")
	}
	id, err := s.client.StoreEntry(ctx, req, s.now().UTC())
	if err != nil {
		return StoreResult{}, err
	}
	return StoreResult{ID: id}, nil
}

// Query runs a text/filter search over stored entries.
func (s *Store) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	entries, err := s.client.Query(ctx, req)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Entries: entries}, nil
}
