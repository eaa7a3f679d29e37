// Package couchdb implements wrappers for the CouchDB and Cloudant HTTP API,
// with a focus on keeping design documents in sync and querying their views.
//
// A typical session loads design documents from a local directory,
// reconciles them with a database and then queries their views:
//
//	db := client.DB("animals")
//	designs := db.Design(couchdb.NewDirSource("design-docs"))
//	if _, err := designs.SynchronizeAll(ctx); err != nil {
//		return err
//	}
//	req, err := db.ViewRequest("views101", "diet_count").Reduce(true).Build()
//	if err != nil {
//		return err
//	}
//	count, err := couchdb.SingleValue[int](ctx, req)
//
// Writes that propagate asynchronously through a cluster (dbcopy databases,
// replication) are observed with Await and its helpers.
//
// Unless otherwise noted, all functions in this package
// can be called from more than one goroutine at the same time.
package couchdb

// Options represents CouchDB query string parameters.
type Options map[string]interface{}

// Payload is the JSON body of a POST view request.
type Payload map[string]interface{}

// DBInfo is the metadata CouchDB reports for a database.
type DBInfo struct {
	Name           string      `json:"db_name"`
	DocCount       int         `json:"doc_count"`
	DocDelCount    int         `json:"doc_del_count"`
	UpdateSeq      interface{} `json:"update_seq"`
	CompactRunning bool        `json:"compact_running"`
}
