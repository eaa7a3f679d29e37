package couchdb

import (
	"context"
	"net/url"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

const replicatorDB = "_replicator"

// ReplicationBuilder describes a replication job.
type ReplicationBuilder struct {
	c   *Client
	doc replicationDoc
}

type replicationDoc struct {
	ID           string   `json:"_id"`
	Source       string   `json:"source"`
	Target       string   `json:"target"`
	CreateTarget bool     `json:"create_target,omitempty"`
	Continuous   bool     `json:"continuous,omitempty"`
	Filter       string   `json:"filter,omitempty"`
	DocIDs       []string `json:"doc_ids,omitempty"`
}

// Replication starts describing a replication job run by the server.
func (c *Client) Replication() *ReplicationBuilder {
	return &ReplicationBuilder{c: c}
}

// Source sets the database to replicate from. Remote databases are
// given as URLs, with credentials in the userinfo when needed.
func (b *ReplicationBuilder) Source(uri string) *ReplicationBuilder {
	b.doc.Source = uri
	return b
}

// Target sets the database to replicate to.
func (b *ReplicationBuilder) Target(uri string) *ReplicationBuilder {
	b.doc.Target = uri
	return b
}

// CreateTarget makes the server create a missing target database.
func (b *ReplicationBuilder) CreateTarget(create bool) *ReplicationBuilder {
	b.doc.CreateTarget = create
	return b
}

// Continuous keeps the job running and replicating new changes.
func (b *ReplicationBuilder) Continuous(continuous bool) *ReplicationBuilder {
	b.doc.Continuous = continuous
	return b
}

// Filter names a filter function, as "<ddoc>/<filter>", that selects
// the replicated documents.
func (b *ReplicationBuilder) Filter(name string) *ReplicationBuilder {
	b.doc.Filter = name
	return b
}

// DocIDs restricts the job to the given documents.
func (b *ReplicationBuilder) DocIDs(ids ...string) *ReplicationBuilder {
	b.doc.DocIDs = append([]string(nil), ids...)
	return b
}

// ReplicationHandle identifies a triggered replication job by its
// _replicator document.
type ReplicationHandle struct {
	ID  string
	Rev string
}

// Trigger hands the job to the server and returns once it has been
// accepted. The replication itself runs asynchronously; its effects
// are observed with Await.
func (b *ReplicationBuilder) Trigger(ctx context.Context) (*ReplicationHandle, error) {
	if err := checkEndpoint("source", b.doc.Source); err != nil {
		return nil, err
	}
	if err := checkEndpoint("target", b.doc.Target); err != nil {
		return nil, err
	}
	doc := b.doc
	doc.ID = uuid.NewString()
	rev, err := b.c.DB(replicatorDB).Put(ctx, doc.ID, doc, "")
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("couchdb: triggered replication %s to %s as %s", redact(doc.Source), redact(doc.Target), doc.ID)
	return &ReplicationHandle{ID: doc.ID, Rev: rev}, nil
}

// Cancel removes the job from the server. Documents replicated so far
// stay in the target.
func (h *ReplicationHandle) Cancel(ctx context.Context, c *Client) error {
	db := c.DB(replicatorDB)
	// the server updates the job document while it runs
	rev, err := db.Rev(ctx, h.ID)
	if err != nil {
		return err
	}
	_, err = db.Delete(ctx, h.ID, rev)
	return err
}

func checkEndpoint(field, uri string) error {
	if uri == "" {
		return invalid(field, "replication %s is missing", field)
	}
	if _, err := url.Parse(uri); err != nil {
		return invalid(field, "%v", err)
	}
	return nil
}

// redact hides the password of an endpoint URL in log output.
func redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	return u.Redacted()
}
