// Package journal implements the Journal/memory external interface:
// `journal.store{episode|fact}` and `journal.query{text, filters}` messages
// addressed to the bus's "journal" component, backed by MongoDB. store.go
// wraps a narrow low-level Client interface; the Mongo-specific client
// lives in its own journal/mongo sub-package.
package journal

import "time"

// EntryKind discriminates the two journal record shapes.
type EntryKind string

const (
	KindEpisode EntryKind = "episode"
	KindFact    EntryKind = "fact"
)

// StoreRequest is the payload of a `journal.store` bus message.
type StoreRequest struct {
	JobID   string
	Kind    EntryKind
	Content any
	Labels  map[string]string
}

// StoreResult is the payload of a `journal.store` response.
type StoreResult struct {
	ID string
}

// QueryRequest is the payload of a `journal.query` bus message.
type QueryRequest struct {
	Text    string
	Filters map[string]string
	Limit   int
}

// Entry is one stored journal record, returned from Query.
type Entry struct {
	ID        string
	JobID     string
	Kind      EntryKind
	Content   any
	Labels    map[string]string
	Timestamp time.Time
}

// QueryResult is the payload of a `journal.query` response.
type QueryResult struct {
	Entries []Entry
}
