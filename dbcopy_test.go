package couchdb_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	couchdb "github.com/cabify/go-cloudant"
	"github.com/cabify/go-cloudant/couchdbtest"
)

// TestDBCopy replicates a sample database, adds a dbcopy target to one
// of its views and waits for the reduced output to show up.
func TestDBCopy(t *testing.T) {
	srv, c := newAnimalServer(t,
		couchdbtest.WithIndexBatch(2),
		couchdbtest.WithCopyDelay(10*time.Millisecond),
		couchdbtest.WithReplicationDelay(10*time.Millisecond),
	)
	seedAnimals(t, srv, "examples")

	_, err := c.Replication().Source("examples").Target("animaldb").CreateTarget(true).Trigger(ctx)
	require.NoError(t, err)
	ids, err := couchdb.AwaitDocIDs(ctx, c.DB("animaldb"), 5, fastAwait)
	require.NoError(t, err)
	require.Len(t, ids, 5)

	db := c.DB("animaldb")
	designs := db.Design(couchdb.NewFSSource(designFS()))
	d, err := designs.GetFromDesk("views101")
	require.NoError(t, err)
	d.View("diet_count").DBCopy = "animaldb_copy"
	_, err = designs.Synchronize(ctx, d)
	require.NoError(t, err)

	req, err := db.ViewRequest("views101", "diet_count").Reduce(true).Build()
	require.NoError(t, err)
	count, err := couchdb.Await(ctx,
		func(ctx context.Context) (int, error) { return couchdb.SingleValue[int](ctx, req) },
		func(n int) bool { return n == 5 },
		fastAwait)
	require.NoError(t, err)
	check(t, "count", 5, count)

	copied, err := couchdb.AwaitDocIDs(ctx, c.DB("animaldb_copy"), 3, fastAwait)
	require.NoError(t, err)
	check(t, "copied docs", 3, len(copied))

	var rows []struct {
		Key   string `json:"key"`
		Value int    `json:"value"`
	}
	all, err := c.DB("animaldb_copy").AllDocsRequest().IncludeDocs(true).Build()
	require.NoError(t, err)
	resp, err := all.Execute(ctx)
	require.NoError(t, err)
	require.NoError(t, resp.Docs(&rows))
	counts := make(map[string]int)
	for _, r := range rows {
		counts[r.Key] = r.Value
	}
	check(t, "diets", map[string]int{"carnivore": 2, "herbivore": 2, "omnivore": 1}, counts)

	require.NoError(t, c.DeleteDB(ctx, "animaldb_copy"))
	require.NoError(t, c.DeleteDB(ctx, "animaldb"))
	ok, err := c.DBExists(ctx, "animaldb")
	require.NoError(t, err)
	assert.False(t, ok)
}
