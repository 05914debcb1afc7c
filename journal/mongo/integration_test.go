package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/meridian-run/meridian/journal"
)

// setupMongoContainer spins up a real MongoDB instance via testcontainers.
// Docker-unavailable environments skip rather than fail.
func setupMongoContainer(t *testing.T) *mongodriver.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
		Tmpfs:        map[string]string{"/data/db": "rw"},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("docker not available, skipping mongo integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017")
	require.NoError(t, err)

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(pingCtx, nil))
	return client
}

func TestClientAgainstRealMongo(t *testing.T) {
	mongoClient := setupMongoContainer(t)

	jc, err := New(Options{Client: mongoClient, Database: "meridian_journal_test", Collection: t.Name()})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	id, err := jc.StoreEntry(context.Background(), journal.StoreRequest{
		JobID:   "job-1",
		Kind:    journal.KindEpisode,
		Content: "fetched quarterly report",
		Labels:  map[string]string{"jobId": "job-1"},
	}, now)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := jc.Query(context.Background(), journal.QueryRequest{Filters: map[string]string{"jobId": "job-1"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "fetched quarterly report", entries[0].Content)
}
