package couchdb

import (
	"context"
	"io"
	"net/http"
	"strings"

	"golang.org/x/xerrors"
)

// DB represents a remote CouchDB database.
type DB struct {
	*transport
	name string
}

// Name returns the name of a database.
func (db *DB) Name() string {
	return db.name
}

// Info retrieves the database metadata, including its document count.
func (db *DB) Info(ctx context.Context) (*DBInfo, error) {
	resp, err := db.request(ctx, http.MethodGet, path(db.name), nil)
	if err != nil {
		return nil, err
	}
	info := new(DBInfo)
	if err := readBody(resp, info); err != nil {
		return nil, err
	}
	return info, nil
}

var getJsonKeys = []string{"open_revs", "atts_since"}

// Get retrieves a document from the given database.
// The document is unmarshalled into the given object.
// Some fields (like _conflicts) will only be returned if the
// options require it. Please refer to the CouchDB HTTP API documentation
// for more information.
//
// http://docs.couchdb.org/en/latest/api/document/common.html?highlight=doc#get--db-docid
func (db *DB) Get(ctx context.Context, id string, doc interface{}, opts Options) error {
	path, err := optpath(opts, getJsonKeys, docpath(db.name, id))
	if err != nil {
		return err
	}
	resp, err := db.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return readBody(resp, &doc)
}

// BulkGet reads the current revision of every id in one request.
// Found documents are decoded into new values of docType's type,
// which may be given as a value or a pointer; ids that could not be
// read are returned in notFound.
func (db *DB) BulkGet(ctx context.Context, ids []string, docType interface{}, opts Options) (docs []interface{}, notFound []string, err error) {
	path, err := optpath(opts, getJsonKeys, path(db.name, "_bulk_get"))
	if err != nil {
		return nil, nil, err
	}

	body, err := jsonBody(newBulkGet(ids))
	if err != nil {
		return nil, nil, err
	}
	resp, err := db.request(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, nil, err
	}
	var result bulkGetResp
	if err := readBody(resp, &result); err != nil {
		return nil, nil, err
	}
	return result.split(docType)
}

// Rev fetches the current revision of a document.
// It is faster than an equivalent Get request because no body
// has to be parsed.
func (db *DB) Rev(ctx context.Context, id string) (string, error) {
	return responseRev(db.closedRequest(ctx, http.MethodHead, docpath(db.name, id), nil))
}

// Post stores a new document into the given database.
func (db *DB) Post(ctx context.Context, doc interface{}) (id, rev string, err error) {
	body, err := jsonBody(doc)
	if err != nil {
		return "", "", err
	}
	resp, err := db.request(ctx, http.MethodPost, path(db.name), body)
	if err != nil {
		return "", "", err
	}
	return responseIDRev(resp)
}

// Put stores a document into the given database.
// A non-empty rev is sent as the revision precondition; the request
// fails with a Conflict error if the stored document has moved on.
func (db *DB) Put(ctx context.Context, id string, doc interface{}, rev string) (newrev string, err error) {
	path := revpath(rev, docpath(db.name, id))
	body, err := jsonBody(doc)
	if err != nil {
		return "", err
	}
	return responseRev(db.closedRequest(ctx, http.MethodPut, path, body))
}

// BulkDocs writes several documents in one request. Every document
// carries its own _id, _rev and _deleted fields, as for Put and Delete.
//
// The result holds one entry per document, in request order. Failed
// entries (see BulkDocsResp.Conflict) do not make BulkDocs fail; err
// is only set when the request itself fails. Writes to the same id
// within one call are applied in no particular order.
func (db *DB) BulkDocs(ctx context.Context, docs ...interface{}) (res []BulkDocsResp, err error) {
	body, err := jsonBody(BulkDocsReq{Docs: append(make([]interface{}, 0, len(docs)), docs...)})
	if err != nil {
		return nil, err
	}
	httpResp, err := db.request(ctx, http.MethodPost, path(db.name, "_bulk_docs"), body)
	if err != nil {
		return nil, err
	}
	if err := readBody(httpResp, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Delete marks a document revision as deleted.
func (db *DB) Delete(ctx context.Context, id, rev string) (newrev string, err error) {
	path := revpath(rev, docpath(db.name, id))
	return responseRev(db.closedRequest(ctx, http.MethodDelete, path, nil))
}

// Security represents database security objects.
type Security struct {
	Admins  Members `json:"admins"`
	Members Members `json:"members"`
}

// Members represents member lists in database security objects.
type Members struct {
	Names []string `json:"names,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Security retrieves the security object of a database.
func (db *DB) Security(ctx context.Context) (*Security, error) {
	secobj := new(Security)
	resp, err := db.request(ctx, http.MethodGet, path(db.name, "_security"), nil)
	if err != nil {
		return nil, err
	}
	// an empty reply means defaults, whether or not its length is known
	if err = readBody(resp, secobj); err != nil && !xerrors.Is(err, io.EOF) {
		return nil, err
	}
	return secobj, nil
}

// PutSecurity sets the database security object.
func (db *DB) PutSecurity(ctx context.Context, secobj *Security) error {
	body, err := jsonBody(secobj)
	if err != nil {
		return err
	}
	_, err = db.closedRequest(ctx, http.MethodPut, path(db.name, "_security"), body)
	return err
}

var viewJsonKeys = []string{"startkey", "start_key", "key", "endkey", "end_key", "keys"}

func viewpath(db, ddoc, view string) string {
	ddoc = strings.TrimPrefix(ddoc, designPrefix)
	return path(db, "_design", ddoc, "_view", view)
}

// View invokes a view.
// The ddoc parameter is the name of the design document
// containing the view; a _design/ prefix is stripped.
//
// The output of the query is unmarshalled into the given result.
// The format of the result depends on the options. Please
// refer to the CouchDB HTTP API documentation for all the possible
// options that can be set. ViewRequest offers a checked way to
// build the same queries.
//
// http://docs.couchdb.org/en/latest/api/ddoc/views.html
func (db *DB) View(ctx context.Context, ddoc, view string, result interface{}, opts Options) error {
	path, err := optpath(opts, viewJsonKeys, viewpath(db.name, ddoc, view))
	if err != nil {
		return err
	}
	resp, err := db.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return readBody(resp, &result)
}

// PostView invokes a view.
// PostView functionality supports identical parameters and behavior
// as specified in the View function but allows for the query string
// parameters to be supplied as keys in a JSON object in the body of
// the POST request.
//
// Note it seems that only `keys` property is recognize on the payload
// the rest must go as query parameters
//
// http://docs.couchdb.org/en/latest/api/ddoc/views.html
func (db *DB) PostView(ctx context.Context, ddoc, view string, result interface{}, opts Options, payload Payload) error {
	path, err := optpath(opts, viewJsonKeys, viewpath(db.name, ddoc, view))
	if err != nil {
		return err
	}
	return db.postQuery(ctx, path, result, payload)
}

func (db *DB) postQuery(ctx context.Context, path string, result interface{}, payload Payload) error {
	body, err := jsonBody(payload)
	if err != nil {
		return xerrors.Errorf("encode view payload: %w", err)
	}
	resp, err := db.request(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return readBody(resp, &result)
}

// AllDocs invokes the _all_docs view of a database.
//
// The output of the query is unmarshalled into the given result.
// The format of the result depends on the options. Please
// refer to the CouchDB HTTP API documentation for all the possible
// options that can be set.
//
// http://docs.couchdb.org/en/latest/api/database/bulk-api.html#db-all-docs
func (db *DB) AllDocs(ctx context.Context, result interface{}, opts Options) error {
	path, err := optpath(opts, viewJsonKeys, path(db.name, "_all_docs"))
	if err != nil {
		return err
	}
	resp, err := db.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return readBody(resp, &result)
}
