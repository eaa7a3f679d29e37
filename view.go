package couchdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"

	"github.com/valyala/fastjson"
)

// ViewRequestBuilder collects the parameters of a view query.
// Setters record their argument and return the builder; Build checks
// the combination.
type ViewRequestBuilder struct {
	db   *DB
	ddoc string
	view string
	all  bool // _all_docs instead of a design view
	opts Options
	keys []interface{}
}

// ViewRequest starts a query against view in the design document ddoc.
// The _design/ prefix of ddoc is optional.
func (db *DB) ViewRequest(ddoc, view string) *ViewRequestBuilder {
	return &ViewRequestBuilder{db: db, ddoc: ddoc, view: view, opts: Options{}}
}

// AllDocsRequest starts a query against the _all_docs view.
func (db *DB) AllDocsRequest() *ViewRequestBuilder {
	return &ViewRequestBuilder{db: db, all: true, opts: Options{}}
}

func (b *ViewRequestBuilder) set(k string, v interface{}) *ViewRequestBuilder {
	b.opts[k] = v
	return b
}

// Key restricts the result to rows with exactly this key.
func (b *ViewRequestBuilder) Key(key interface{}) *ViewRequestBuilder { return b.set("key", key) }

// StartKey sets the first key of the range.
func (b *ViewRequestBuilder) StartKey(key interface{}) *ViewRequestBuilder {
	return b.set("startkey", key)
}

// EndKey sets the last key of the range.
func (b *ViewRequestBuilder) EndKey(key interface{}) *ViewRequestBuilder {
	return b.set("endkey", key)
}

// StartKeyDocID breaks ties between rows sharing the start key.
func (b *ViewRequestBuilder) StartKeyDocID(id string) *ViewRequestBuilder {
	return b.set("startkey_docid", id)
}

// EndKeyDocID breaks ties between rows sharing the end key.
func (b *ViewRequestBuilder) EndKeyDocID(id string) *ViewRequestBuilder {
	return b.set("endkey_docid", id)
}

// InclusiveEnd controls whether rows matching EndKey are returned.
func (b *ViewRequestBuilder) InclusiveEnd(inclusive bool) *ViewRequestBuilder {
	return b.set("inclusive_end", inclusive)
}

// Keys restricts the result to these keys. The request is sent as a
// POST with the keys in the body.
func (b *ViewRequestBuilder) Keys(keys ...interface{}) *ViewRequestBuilder {
	b.keys = append([]interface{}(nil), keys...)
	return b
}

// Reduce switches the reduce function on or off.
func (b *ViewRequestBuilder) Reduce(reduce bool) *ViewRequestBuilder {
	return b.set("reduce", reduce)
}

// Group groups reduced rows by key.
func (b *ViewRequestBuilder) Group(group bool) *ViewRequestBuilder { return b.set("group", group) }

// GroupLevel groups reduced rows by a prefix of array keys.
func (b *ViewRequestBuilder) GroupLevel(level int) *ViewRequestBuilder {
	return b.set("group_level", level)
}

// Limit bounds the number of rows returned.
func (b *ViewRequestBuilder) Limit(n int) *ViewRequestBuilder { return b.set("limit", n) }

// Skip skips the first n rows.
func (b *ViewRequestBuilder) Skip(n int) *ViewRequestBuilder { return b.set("skip", n) }

// Descending reverses the row order.
func (b *ViewRequestBuilder) Descending(desc bool) *ViewRequestBuilder {
	return b.set("descending", desc)
}

// IncludeDocs adds the emitting document to every row.
func (b *ViewRequestBuilder) IncludeDocs(include bool) *ViewRequestBuilder {
	return b.set("include_docs", include)
}

// Update selects when the index is brought up to date: "true" (before
// answering, the default), "false" (answer from the index as it is)
// or "lazy" (answer, then update).
func (b *ViewRequestBuilder) Update(mode string) *ViewRequestBuilder {
	return b.set("update", mode)
}

// Build validates the parameters and returns an immutable request.
// No network call is made.
func (b *ViewRequestBuilder) Build() (*ViewRequest, error) {
	if b.db == nil {
		return nil, invalid("database", "view request has no database")
	}
	if !b.all {
		if b.ddoc == "" || b.ddoc == designPrefix {
			return nil, invalid("design document", "view request needs a design document id")
		}
		if b.view == "" {
			return nil, invalid("view name", "view request needs a view name")
		}
	}
	for _, k := range []string{"limit", "skip", "group_level"} {
		if n, ok := b.opts[k].(int); ok && n < 0 {
			return nil, invalid(k, "must not be negative, got %d", n)
		}
	}
	if _, ok := b.opts["key"]; ok && b.keys != nil {
		return nil, invalid("keys", "key and keys are mutually exclusive")
	}
	reduce, reduceSet := b.opts["reduce"].(bool)
	if reduceSet && !reduce {
		if g, _ := b.opts["group"].(bool); g {
			return nil, invalid("group", "grouping needs reduce")
		}
		if _, ok := b.opts["group_level"]; ok {
			return nil, invalid("group_level", "grouping needs reduce")
		}
	}
	if reduceSet && reduce {
		if inc, _ := b.opts["include_docs"].(bool); inc {
			return nil, invalid("include_docs", "cannot include docs in reduced results")
		}
	}
	if mode, ok := b.opts["update"].(string); ok {
		switch mode {
		case "true", "false", "lazy":
		default:
			return nil, invalid("update", "unknown mode %q", mode)
		}
	}

	var base string
	if b.all {
		base = path(b.db.name, "_all_docs")
	} else {
		base = viewpath(b.db.name, b.ddoc, b.view)
	}
	p, err := optpath(b.opts, viewJsonKeys, base)
	if err != nil {
		return nil, &ValidationError{Field: "options", Reason: err.Error()}
	}
	req := &ViewRequest{
		db:   b.db,
		ddoc: DesignID(b.ddoc),
		view: b.view,
		path: p,
	}
	if b.all {
		req.ddoc, req.view = "", "_all_docs"
	}
	if b.keys != nil {
		req.keys = append([]interface{}(nil), b.keys...)
	}
	return req, nil
}

// ViewRequest is a validated view query. It holds no state between
// executions and can be executed any number of times, for instance
// from inside Await.
type ViewRequest struct {
	db   *DB
	ddoc string
	view string
	path string
	keys []interface{}
}

// DesignID returns the id of the queried design document; it is empty
// for _all_docs requests.
func (r *ViewRequest) DesignID() string { return r.ddoc }

// ViewName returns the name of the queried view.
func (r *ViewRequest) ViewName() string { return r.view }

// Execute runs the query. A query against a view whose index is
// missing or outdated makes the server build the index.
func (r *ViewRequest) Execute(ctx context.Context) (*ViewResponse, error) {
	resp := new(ViewResponse)
	if err := r.decode(ctx, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *ViewRequest) decode(ctx context.Context, result interface{}) error {
	if r.keys != nil {
		return r.db.postQuery(ctx, r.path, result, Payload{"keys": r.keys})
	}
	resp, err := r.db.request(ctx, http.MethodGet, r.path, nil)
	if err != nil {
		return err
	}
	return readBody(resp, result)
}

// ViewResponse is the decoded result of a view query.
type ViewResponse struct {
	TotalRows int       `json:"total_rows"`
	Offset    int       `json:"offset"`
	Rows      []ViewRow `json:"rows"`
}

// ViewRow is one row of a view result. Key, Value and Doc stay raw
// JSON until decoded by the caller.
type ViewRow struct {
	ID    string          `json:"id,omitempty"`
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
	Doc   json.RawMessage `json:"doc,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Len returns the number of rows.
func (r *ViewResponse) Len() int { return len(r.Rows) }

// DocIDs returns the document ids of all rows that have one.
func (r *ViewResponse) DocIDs() []string {
	ids := make([]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		if row.ID != "" {
			ids = append(ids, row.ID)
		}
	}
	return ids
}

// Keys decodes the row keys into dst, which must point to a slice.
func (r *ViewResponse) Keys(dst interface{}) error {
	return decodeColumn(r.Rows, dst, func(row ViewRow) json.RawMessage { return row.Key })
}

// Values decodes the row values into dst, which must point to a slice.
func (r *ViewResponse) Values(dst interface{}) error {
	return decodeColumn(r.Rows, dst, func(row ViewRow) json.RawMessage { return row.Value })
}

// Docs decodes the included documents into dst, which must point to a slice.
func (r *ViewResponse) Docs(dst interface{}) error {
	return decodeColumn(r.Rows, dst, func(row ViewRow) json.RawMessage { return row.Doc })
}

func decodeColumn(rows []ViewRow, dst interface{}, col func(ViewRow) json.RawMessage) error {
	parts := make([]json.RawMessage, len(rows))
	for i, row := range rows {
		parts[i] = col(row)
		if parts[i] == nil {
			parts[i] = json.RawMessage("null")
		}
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// SingleValue executes a reduced query and decodes its only value as T.
//
//	count, err := couchdb.SingleValue[int](ctx, req)
//
// A *ShapeError is returned when the result does not have exactly one
// row or the value does not fit T.
func SingleValue[T any](ctx context.Context, req *ViewRequest) (T, error) {
	var zero T
	resp, err := req.Execute(ctx)
	if err != nil {
		return zero, err
	}
	want := reflect.TypeOf((*T)(nil)).Elem()
	if len(resp.Rows) != 1 {
		return zero, &ShapeError{Want: want.String(), Got: fmt.Sprintf("%d rows", len(resp.Rows))}
	}
	return decodeSingle[T](resp.Rows[0].Value)
}

func decodeSingle[T any](raw json.RawMessage) (T, error) {
	var v T
	want := reflect.TypeOf((*T)(nil)).Elem()
	parsed, err := fastjson.ParseBytes(raw)
	if err != nil {
		return v, &ShapeError{Want: want.String(), Got: "invalid JSON"}
	}
	got := parsed.Type()
	if !shapeFits(want, got) {
		return v, &ShapeError{Want: want.String(), Got: got.String()}
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &ShapeError{Want: want.String(), Got: got.String() + " " + string(raw)}
	}
	return v, nil
}

// shapeFits compares the JSON type of a value with the Go type it is
// decoded into. Interfaces accept everything.
func shapeFits(want reflect.Type, got fastjson.Type) bool {
	for want.Kind() == reflect.Ptr {
		want = want.Elem()
	}
	switch want.Kind() {
	case reflect.Interface:
		return true
	case reflect.Bool:
		return got == fastjson.TypeTrue || got == fastjson.TypeFalse
	case reflect.String:
		return got == fastjson.TypeString
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return got == fastjson.TypeNumber
	case reflect.Slice, reflect.Array:
		return got == fastjson.TypeArray
	case reflect.Struct, reflect.Map:
		return got == fastjson.TypeObject
	}
	return false
}
