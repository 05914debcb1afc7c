// Package mongo implements journal.Client against MongoDB: a narrow
// collection interface (so tests substitute an in-memory fake without a
// live Mongo instance) and an Options-with-defaults constructor. Import
// paths target go.mongodb.org/mongo-driver/v2; sorting and limiting are
// done in Go after Find rather than via the driver's generic options
// builders, to avoid coupling this adapter to an API
// surface this exercise has no way to compile-check.
package mongo

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/meridian-run/meridian/journal"
)

const (
	defaultCollection = "journal_entries"
	defaultTimeout    = 5 * time.Second
)

// Options configures the journal Mongo client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	coll    collection
	timeout time.Duration
}

// New returns a journal.Client backed by the provided MongoDB client,
// ensuring the job_id/timestamp index exists. Query does not rely on it: it
// filters and sorts in Go.
func New(opts Options) (journal.Client, error) {
	if opts.Client == nil {
		return nil, errors.New("journal/mongo: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("journal/mongo: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return &client{coll: wrapper, timeout: timeout}, nil
}

func (c *client) StoreEntry(ctx context.Context, req journal.StoreRequest, now time.Time) (string, error) {
	if req.JobID == "" {
		return "", errors.New("journal/mongo: job id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := entryDocument{
		ID:        bson.NewObjectID().Hex(),
		JobID:     req.JobID,
		Kind:      string(req.Kind),
		Content:   req.Content,
		Labels:    req.Labels,
		Timestamp: now,
	}
	if err := c.coll.InsertOne(ctx, doc); err != nil {
		return "", err
	}
	return doc.ID, nil
}

func (c *client) Query(ctx context.Context, req journal.QueryRequest) ([]journal.Entry, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{}
	if req.Text != "" {
		filter["content"] = bson.M{"$regex": req.Text, "$options": "i"}
	}
	for k, v := range req.Filters {
		filter["labels."+k] = v
	}
	docs, err := c.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Timestamp.After(docs[j].Timestamp) })
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(docs) > limit {
		docs = docs[:limit]
	}

	entries := make([]journal.Entry, len(docs))
	for i, doc := range docs {
		entries[i] = journal.Entry{
			ID:        doc.ID,
			JobID:     doc.JobID,
			Kind:      journal.EntryKind(doc.Kind),
			Content:   doc.Content,
			Labels:    doc.Labels,
			Timestamp: doc.Timestamp,
		}
	}
	return entries, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type entryDocument struct {
	ID        string            `bson:"_id,omitempty"`
	JobID     string            `bson:"job_id"`
	Kind      string            `bson:"kind"`
	Content   any               `bson:"content"`
	Labels    map[string]string `bson:"labels,omitempty"`
	Timestamp time.Time         `bson:"timestamp"`
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "timestamp", Value: -1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

// collection narrows *mongodriver.Collection to what this client calls, so
// tests can substitute an in-memory fake.
type collection interface {
	InsertOne(ctx context.Context, doc entryDocument) error
	Find(ctx context.Context, filter any) ([]entryDocument, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc entryDocument) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) Find(ctx context.Context, filter any) ([]entryDocument, error) {
	cur, err := c.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []entryDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}
