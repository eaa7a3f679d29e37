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

var fastAwait = couchdb.AwaitOptions{Timeout: 5 * time.Second, Interval: 10 * time.Millisecond}

func TestReplicationValidation(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Replication().Target("b").Trigger(ctx)
	require.Error(t, err)
	assert.True(t, couchdb.IsValidation(err))

	_, err = c.Replication().Source("a").Trigger(ctx)
	require.Error(t, err)
	assert.True(t, couchdb.IsValidation(err))

	_, err = c.Replication().Source("http://[::1").Target("b").Trigger(ctx)
	require.Error(t, err)
	assert.True(t, couchdb.IsValidation(err))
}

type replicationDoc struct {
	Source       string   `json:"source"`
	Target       string   `json:"target"`
	CreateTarget bool     `json:"create_target"`
	DocIDs       []string `json:"doc_ids"`
	State        string   `json:"_replication_state"`
	Reason       string   `json:"_replication_state_reason"`
}

func replicationState(db *couchdb.DB, id string) func(context.Context) (replicationDoc, error) {
	return func(ctx context.Context) (replicationDoc, error) {
		var doc replicationDoc
		err := db.Get(ctx, id, &doc, nil)
		return doc, err
	}
}

func TestReplicationTrigger(t *testing.T) {
	srv, c := newAnimalServer(t, couchdbtest.WithReplicationDelay(20*time.Millisecond))
	seedAnimals(t, srv, "animals")

	h, err := c.Replication().
		Source(srv.URL + "/animals").
		Target("animaldb").
		CreateTarget(true).
		Trigger(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.NotEmpty(t, h.Rev)

	rep := c.DB("_replicator")
	doc, err := replicationState(rep, h.ID)(ctx)
	require.NoError(t, err)
	check(t, "Source", srv.URL+"/animals", doc.Source)
	check(t, "Target", "animaldb", doc.Target)
	check(t, "CreateTarget", true, doc.CreateTarget)

	ids, err := couchdb.AwaitDocIDs(ctx, c.DB("animaldb"), 5, fastAwait)
	require.NoError(t, err)
	check(t, "ids", []string{"aardvark", "badger", "elephant", "giraffe", "kookaburra"}, ids)

	doc, err = couchdb.Await(ctx, replicationState(rep, h.ID),
		func(d replicationDoc) bool { return d.State != "" }, fastAwait)
	require.NoError(t, err)
	check(t, "State", "completed", doc.State)

	require.NoError(t, h.Cancel(ctx, c))
	_, err = replicationState(rep, h.ID)(ctx)
	assert.True(t, couchdb.NotFound(err))
}

func TestReplicationFailure(t *testing.T) {
	_, c := newAnimalServer(t)

	h, err := c.Replication().Source("nowhere").Target("animaldb").Trigger(ctx)
	require.NoError(t, err, "the server accepts the job and fails it later")

	doc, err := couchdb.Await(ctx, replicationState(c.DB("_replicator"), h.ID),
		func(d replicationDoc) bool { return d.State != "" }, fastAwait)
	require.NoError(t, err)
	check(t, "State", "failed", doc.State)
	assert.NotEmpty(t, doc.Reason)

	ok, err := c.DBExists(ctx, "animaldb")
	require.NoError(t, err)
	assert.False(t, ok)
}
