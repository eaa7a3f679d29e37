// Package couchdbtest provides an in-memory CouchDB server for tests.
//
// The server speaks enough of the CouchDB and Cloudant HTTP API for the
// couchdb package: databases, documents with revisions, _all_docs,
// _bulk_docs, _bulk_get, design documents, view queries, dbcopy and
// the _replicator database. View map functions cannot be evaluated, so
// tests register a Go MapFunc under the JavaScript source of each map
// function they use:
//
//	srv := couchdbtest.New(couchdbtest.WithIndexBatch(2))
//	defer srv.Close()
//	srv.RegisterMap(`function(doc) { emit(doc.diet, 1); }`, func(doc couchdbtest.Doc, emit couchdbtest.Emit) {
//		emit(doc["diet"], 1)
//	})
//
// Indexes are built incrementally, dbcopy databases and replications
// are materialized asynchronously, so tests see the same eventual
// consistency a Cloudant cluster shows.
package couchdbtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Doc is a decoded JSON document.
type Doc = map[string]interface{}

// Emit adds a row to a view index.
type Emit func(key, value interface{})

// MapFunc stands in for the JavaScript map function it is registered for.
type MapFunc func(doc Doc, emit Emit)

// ReduceFunc stands in for a JavaScript reduce function.
type ReduceFunc func(keys, values []interface{}) interface{}

// Option configures a Server.
type Option func(*Server)

// WithIndexBatch limits how many documents a single view query adds to
// the index. Zero, the default, indexes everything at once.
func WithIndexBatch(n int) Option {
	return func(s *Server) { s.indexBatch = n }
}

// WithCopyDelay sets the pause before a dbcopy database is created and
// between each document copied into it.
func WithCopyDelay(d time.Duration) Option {
	return func(s *Server) { s.copyDelay = d }
}

// WithReplicationDelay sets the pause before a triggered replication runs.
func WithReplicationDelay(d time.Duration) Option {
	return func(s *Server) { s.replicationDelay = d }
}

// Server is an in-memory CouchDB. The embedded httptest.Server carries
// its URL.
type Server struct {
	*httptest.Server

	indexBatch       int
	copyDelay        time.Duration
	replicationDelay time.Duration

	mu          sync.Mutex
	dbs         map[string]*database
	maps        map[string]MapFunc
	reduces     map[string]ReduceFunc
	writes      map[string]int
	beforeWrite func(db, id string)
	closed      bool
}

type database struct {
	docs     map[string]*document
	security json.RawMessage
	indexes  map[string]*viewIndex
}

type document struct {
	id      string
	gen     int
	rev     string
	body    Doc
	deleted bool
}

func newDatabase() *database {
	return &database{
		docs:    make(map[string]*document),
		indexes: make(map[string]*viewIndex),
	}
}

// New starts a server. Close it when done.
func New(opts ...Option) *Server {
	s := &Server{
		dbs:     make(map[string]*database),
		maps:    make(map[string]MapFunc),
		reduces: make(map[string]ReduceFunc),
		writes:  make(map[string]int),
	}
	s.dbs[replicatorDB] = newDatabase()
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

// Close shuts the server down. Pending dbcopy and replication work is
// dropped.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Server.Close()
}

// RegisterMap makes views whose map function is source call fn.
func (s *Server) RegisterMap(source string, fn MapFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[source] = fn
}

// RegisterReduce makes views whose reduce function is source call fn.
// The built-in _count and _sum reduces need no registration.
func (s *Server) RegisterReduce(source string, fn ReduceFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reduces[source] = fn
}

// BeforeWrite installs a hook run before every document PUT, outside of
// the server lock. Tests use it to slip in a concurrent writer.
func (s *Server) BeforeWrite(fn func(db, id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeWrite = fn
}

// Writes returns how many document writes db has accepted.
func (s *Server) Writes(db string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[db]
}

// CreateDB creates a database unless it exists.
func (s *Server) CreateDB(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[name]; !ok {
		s.dbs[name] = newDatabase()
	}
}

// HasDB reports whether a database exists.
func (s *Server) HasDB(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dbs[name]
	return ok
}

// PutDoc stores doc under id at the current revision, whatever it is,
// and returns the new revision.
func (s *Server) PutDoc(db, id string, doc Doc) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[db]
	if !ok {
		return "", fmt.Errorf("couchdbtest: no database %s", db)
	}
	cur := ""
	if old, ok := d.docs[id]; ok && !old.deleted {
		cur = old.rev
	}
	rev, status := s.store(db, d, id, doc, cur, false)
	if status != http.StatusCreated {
		return "", fmt.Errorf("couchdbtest: put %s/%s: status %d", db, id, status)
	}
	return rev, nil
}

// Doc returns a copy of a stored document, or nil.
func (s *Server) Doc(db, id string) Doc {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[db]
	if !ok {
		return nil
	}
	doc, ok := d.docs[id]
	if !ok || doc.deleted {
		return nil
	}
	return doc.render()
}

func (doc *document) render() Doc {
	out := make(Doc, len(doc.body)+2)
	for k, v := range doc.body {
		out[k] = v
	}
	out["_id"] = doc.id
	out["_rev"] = doc.rev
	return out
}

// store writes a document revision. rev is the precondition and must
// match the current revision of a live document. Called with s.mu held.
func (s *Server) store(dbname string, d *database, id string, body Doc, rev string, deleted bool) (string, int) {
	old, exists := d.docs[id]
	live := exists && !old.deleted
	switch {
	case live && rev != old.rev:
		return "", http.StatusConflict
	case !live && rev != "" && (!exists || rev != old.rev):
		return "", http.StatusConflict
	case !live && deleted:
		return "", http.StatusNotFound
	}
	gen := 1
	if exists {
		gen = old.gen + 1
	}
	clean := make(Doc, len(body))
	for k, v := range body {
		switch k {
		case "_id", "_rev", "_deleted", "_revisions":
		default:
			clean[k] = v
		}
	}
	doc := &document{
		id:      id,
		gen:     gen,
		rev:     strconv.Itoa(gen) + "-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		body:    clean,
		deleted: deleted,
	}
	d.docs[id] = doc
	s.writes[dbname]++
	return doc.rev, http.StatusCreated
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/", s.root).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/_all_dbs", s.allDBs).Methods(http.MethodGet)
	r.HandleFunc("/{db}/_all_docs", s.allDocs).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/{db}/_bulk_docs", s.bulkDocs).Methods(http.MethodPost)
	r.HandleFunc("/{db}/_bulk_get", s.bulkGet).Methods(http.MethodPost)
	r.HandleFunc("/{db}/_security", s.security).Methods(http.MethodGet, http.MethodPut)
	r.HandleFunc("/{db}/_design/{ddoc}/_view/{view}", s.view).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/{db}/_design/{ddoc}", s.designDoc).
		Methods(http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete)
	r.HandleFunc("/{db}/{doc}", s.doc).
		Methods(http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete)
	r.HandleFunc("/{db}", s.db).
		Methods(http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodPost)
	return r
}

func vars(r *http.Request) map[string]string {
	out := make(map[string]string)
	for k, v := range mux.Vars(r) {
		if u, err := url.PathUnescape(v); err == nil {
			v = u
		}
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, map[string]string{"error": code, "reason": reason})
}

func writeRev(w http.ResponseWriter, status int, id, rev string) {
	w.Header().Set("ETag", strconv.Quote(rev))
	writeJSON(w, status, map[string]interface{}{"ok": true, "id": id, "rev": rev})
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"couchdb": "Welcome", "vendor": "couchdbtest"})
}

func (s *Server) allDBs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	names := make([]string, 0, len(s.dbs))
	for name := range s.dbs {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

// lookup returns the named database or answers 404. Called with s.mu held.
func (s *Server) lookup(w http.ResponseWriter, name string) (*database, bool) {
	d, ok := s.dbs[name]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Database does not exist.")
	}
	return d, ok
}

func (s *Server) db(w http.ResponseWriter, r *http.Request) {
	name := vars(r)["db"]
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		if _, ok := s.dbs[name]; ok {
			writeError(w, http.StatusPreconditionFailed, "file_exists", "The database could not be created, the file already exists.")
			return
		}
		s.dbs[name] = newDatabase()
		writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
	case http.MethodDelete:
		if _, ok := s.lookup(w, name); !ok {
			return
		}
		delete(s.dbs, name)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case http.MethodPost:
		d, ok := s.lookup(w, name)
		if !ok {
			return
		}
		var body Doc
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		id, _ := body["_id"].(string)
		if id == "" {
			id = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		rev, _ := body["_rev"].(string)
		s.respondStore(w, name, d, id, body, rev, false)
	default:
		d, ok := s.lookup(w, name)
		if !ok {
			return
		}
		count, deleted := 0, 0
		for _, doc := range d.docs {
			if doc.deleted {
				deleted++
			} else {
				count++
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"db_name":       name,
			"doc_count":     count,
			"doc_del_count": deleted,
			"update_seq":    strconv.Itoa(s.writes[name]),
		})
	}
}

func (s *Server) respondStore(w http.ResponseWriter, dbname string, d *database, id string, body Doc, rev string, deleted bool) bool {
	newrev, status := s.store(dbname, d, id, body, rev, deleted)
	switch status {
	case http.StatusConflict:
		writeError(w, status, "conflict", "Document update conflict.")
		return false
	case http.StatusNotFound:
		writeError(w, status, "not_found", "missing")
		return false
	}
	if deleted {
		status = http.StatusOK
	}
	writeRev(w, status, id, newrev)
	return true
}

func (s *Server) designDoc(w http.ResponseWriter, r *http.Request) {
	v := vars(r)
	s.handleDoc(w, r, v["db"], "_design/"+v["ddoc"])
}

func (s *Server) doc(w http.ResponseWriter, r *http.Request) {
	v := vars(r)
	s.handleDoc(w, r, v["db"], v["doc"])
}

func (s *Server) handleDoc(w http.ResponseWriter, r *http.Request, dbname, id string) {
	var body Doc
	if r.Method == http.MethodPut {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		s.mu.Lock()
		hook := s.beforeWrite
		s.mu.Unlock()
		if hook != nil {
			hook(dbname, id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.lookup(w, dbname)
	if !ok {
		return
	}
	rev := r.URL.Query().Get("rev")

	switch r.Method {
	case http.MethodPut:
		if rev == "" {
			rev, _ = body["_rev"].(string)
		}
		_, running := body["_replication_state"]
		if s.respondStore(w, dbname, d, id, body, rev, false) && dbname == replicatorDB && !running {
			s.scheduleReplication(id, body)
		}
	case http.MethodDelete:
		s.respondStore(w, dbname, d, id, nil, rev, true)
	default:
		doc, ok := d.docs[id]
		if !ok || doc.deleted {
			reason := "missing"
			if ok {
				reason = "deleted"
			}
			writeError(w, http.StatusNotFound, "not_found", reason)
			return
		}
		w.Header().Set("ETag", strconv.Quote(doc.rev))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeJSON(w, http.StatusOK, doc.render())
	}
}

func (s *Server) security(w http.ResponseWriter, r *http.Request) {
	name := vars(r)["db"]
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.lookup(w, name)
	if !ok {
		return
	}
	if r.Method == http.MethodPut {
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		d.security = raw
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	if d.security == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, d.security)
}

func (s *Server) bulkDocs(w http.ResponseWriter, r *http.Request) {
	name := vars(r)["db"]
	var req struct {
		Docs []Doc `json:"docs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.lookup(w, name)
	if !ok {
		return
	}
	results := make([]map[string]interface{}, 0, len(req.Docs))
	for _, body := range req.Docs {
		id, _ := body["_id"].(string)
		if id == "" {
			id = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		rev, _ := body["_rev"].(string)
		deleted, _ := body["_deleted"].(bool)
		newrev, status := s.store(name, d, id, body, rev, deleted)
		if status == http.StatusCreated {
			results = append(results, map[string]interface{}{"ok": true, "id": id, "rev": newrev})
		} else {
			results = append(results, map[string]interface{}{"id": id, "error": "conflict", "reason": "Document update conflict."})
		}
	}
	writeJSON(w, http.StatusCreated, results)
}

func (s *Server) bulkGet(w http.ResponseWriter, r *http.Request) {
	name := vars(r)["db"]
	var req struct {
		Docs []struct {
			ID string `json:"id"`
		} `json:"docs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.lookup(w, name)
	if !ok {
		return
	}
	results := make([]interface{}, 0, len(req.Docs))
	for _, want := range req.Docs {
		var entry map[string]interface{}
		if doc, ok := d.docs[want.ID]; ok && !doc.deleted {
			entry = map[string]interface{}{"ok": doc.render()}
		} else {
			entry = map[string]interface{}{"error": map[string]string{
				"id": want.ID, "error": "not_found", "reason": "missing",
			}}
		}
		results = append(results, map[string]interface{}{
			"id":   want.ID,
			"docs": []interface{}{entry},
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}
