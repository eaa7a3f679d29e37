package couchdbtest

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

type row struct {
	id    string
	key   interface{}
	value interface{}
}

// viewIndex is the materialized output of one view. It only grows
// towards the current state of the database, a few documents per query
// when the server has an index batch.
type viewIndex struct {
	sig    string
	revs   map[string]string // doc id -> indexed revision
	rows   map[string][]row  // doc id -> emitted rows
	copied string            // digest of the last dbcopy output
}

func newViewIndex(sig string) *viewIndex {
	return &viewIndex{sig: sig, revs: make(map[string]string), rows: make(map[string][]row)}
}

type viewDef struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce"`
	DBCopy string `json:"dbcopy"`
}

type queryParams struct {
	key          interface{}
	hasKey       bool
	keys         []interface{}
	hasKeys      bool
	startKey     interface{}
	hasStart     bool
	endKey       interface{}
	hasEnd       bool
	inclusiveEnd bool
	descending   bool
	limit        int
	skip         int
	reduce       bool
	reduceSet    bool
	group        bool
	groupLevel   int
	includeDocs  bool
	update       string
}

func parseQuery(r *http.Request) (*queryParams, error) {
	q := r.URL.Query()
	p := &queryParams{inclusiveEnd: true, limit: -1, update: "true"}
	jsonParam := func(names ...string) (interface{}, bool, error) {
		for _, name := range names {
			if raw, ok := q[name]; ok {
				var v interface{}
				if err := json.Unmarshal([]byte(raw[0]), &v); err != nil {
					return nil, false, err
				}
				return v, true, nil
			}
		}
		return nil, false, nil
	}
	var err error
	if p.key, p.hasKey, err = jsonParam("key"); err != nil {
		return nil, err
	}
	if p.startKey, p.hasStart, err = jsonParam("startkey", "start_key"); err != nil {
		return nil, err
	}
	if p.endKey, p.hasEnd, err = jsonParam("endkey", "end_key"); err != nil {
		return nil, err
	}
	if keys, ok, err := jsonParam("keys"); err != nil {
		return nil, err
	} else if ok {
		p.keys, _ = keys.([]interface{})
		p.hasKeys = true
	}
	if r.Method == http.MethodPost {
		var body struct {
			Keys []interface{} `json:"keys"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, err
		}
		if body.Keys != nil {
			p.keys, p.hasKeys = body.Keys, true
		}
	}
	boolParam := func(name string, dst *bool) bool {
		if v := q.Get(name); v != "" {
			*dst = v == "true"
			return true
		}
		return false
	}
	intParam := func(name string, dst *int) error {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = n
		}
		return nil
	}
	boolParam("inclusive_end", &p.inclusiveEnd)
	boolParam("descending", &p.descending)
	p.reduceSet = boolParam("reduce", &p.reduce)
	boolParam("group", &p.group)
	boolParam("include_docs", &p.includeDocs)
	if err := intParam("limit", &p.limit); err != nil {
		return nil, err
	}
	if err := intParam("skip", &p.skip); err != nil {
		return nil, err
	}
	if err := intParam("group_level", &p.groupLevel); err != nil {
		return nil, err
	}
	if v := q.Get("update"); v != "" {
		p.update = v
	} else if v := q.Get("stale"); v == "ok" || v == "update_after" {
		p.update = "false"
	}
	return p, nil
}

func (s *Server) view(w http.ResponseWriter, r *http.Request) {
	v := vars(r)
	dbname, ddocID, viewName := v["db"], "_design/"+v["ddoc"], v["view"]
	p, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "query_parse_error", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.lookup(w, dbname)
	if !ok {
		return
	}
	ddoc, ok := d.docs[ddocID]
	if !ok || ddoc.deleted {
		writeError(w, http.StatusNotFound, "not_found", "missing")
		return
	}
	def, ok := viewDefinition(ddoc.body, viewName)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "missing_named_view")
		return
	}
	mapFn, ok := s.maps[def.Map]
	if !ok {
		writeError(w, http.StatusInternalServerError, "unknown_map", "no map function registered for view "+viewName)
		return
	}
	var reduceFn ReduceFunc
	if def.Reduce != "" {
		if reduceFn, ok = s.reducer(def.Reduce); !ok {
			writeError(w, http.StatusInternalServerError, "unknown_reduce", "no reduce function registered for view "+viewName)
			return
		}
	}
	reduce := reduceFn != nil && (!p.reduceSet || p.reduce)
	if !reduce && (p.group || p.groupLevel > 0) && reduceFn != nil {
		writeError(w, http.StatusBadRequest, "query_parse_error", "Invalid use of grouping on a map view.")
		return
	}

	idxKey := ddocID + "/" + viewName
	sig := def.Map + "\x00" + def.Reduce
	idx, ok := d.indexes[idxKey]
	if !ok || idx.sig != sig {
		idx = newViewIndex(sig)
		d.indexes[idxKey] = idx
	}
	complete := true
	if p.update != "false" {
		complete = s.updateIndex(d, idx, mapFn)
	}
	if complete && def.DBCopy != "" {
		s.scheduleCopy(idx, def.DBCopy, groupRows(idx.allRows(), reduceFn, true, 0))
	}

	rows := filterRows(idx.allRows(), p)
	if reduce {
		rows = groupRows(rows, reduceFn, p.group, p.groupLevel)
		out := make([]map[string]interface{}, 0, len(rows))
		for _, r := range window(rows, p) {
			out = append(out, map[string]interface{}{"key": r.key, "value": r.value})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"rows": out})
		return
	}
	total := len(idx.allRows())
	out := make([]map[string]interface{}, 0, len(rows))
	for _, r := range window(rows, p) {
		row := map[string]interface{}{"id": r.id, "key": r.key, "value": r.value}
		if p.includeDocs {
			if doc, ok := d.docs[r.id]; ok && !doc.deleted {
				row["doc"] = doc.render()
			} else {
				row["doc"] = nil
			}
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"total_rows": total, "offset": p.skip, "rows": out})
}

func viewDefinition(ddoc Doc, name string) (viewDef, bool) {
	var def viewDef
	views, _ := ddoc["views"].(map[string]interface{})
	raw, ok := views[name]
	if !ok {
		return def, false
	}
	b, err := json.Marshal(raw)
	if err != nil || json.Unmarshal(b, &def) != nil {
		return def, false
	}
	return def, def.Map != ""
}

func (s *Server) reducer(source string) (ReduceFunc, bool) {
	switch strings.TrimSpace(source) {
	case "_count":
		return func(keys, values []interface{}) interface{} { return len(values) }, true
	case "_sum":
		return func(keys, values []interface{}) interface{} {
			sum := 0.0
			for _, v := range values {
				if f, ok := v.(float64); ok {
					sum += f
				} else if n, ok := v.(int); ok {
					sum += float64(n)
				}
			}
			return sum
		}, true
	}
	fn, ok := s.reduces[source]
	return fn, ok
}

// updateIndex brings idx closer to the documents of d and reports
// whether it has caught up. Called with s.mu held.
func (s *Server) updateIndex(d *database, idx *viewIndex, mapFn MapFunc) bool {
	var pending []string
	for id, doc := range d.docs {
		if strings.HasPrefix(id, "_design/") {
			continue
		}
		if doc.deleted {
			if _, ok := idx.revs[id]; ok {
				pending = append(pending, id)
			}
		} else if idx.revs[id] != doc.rev {
			pending = append(pending, id)
		}
	}
	sort.Strings(pending)
	if s.indexBatch > 0 && len(pending) > s.indexBatch {
		s.index(d, idx, mapFn, pending[:s.indexBatch])
		return false
	}
	s.index(d, idx, mapFn, pending)
	return true
}

func (s *Server) index(d *database, idx *viewIndex, mapFn MapFunc, ids []string) {
	for _, id := range ids {
		doc := d.docs[id]
		if doc.deleted {
			delete(idx.revs, id)
			delete(idx.rows, id)
			continue
		}
		var emitted []row
		mapFn(doc.render(), func(key, value interface{}) {
			emitted = append(emitted, row{id: id, key: normalize(key), value: normalize(value)})
		})
		idx.revs[id] = doc.rev
		idx.rows[id] = emitted
	}
}

// normalize gives Go values emitted by a MapFunc their JSON form, so
// ints compare and reduce like the float64s decoded from requests.
func normalize(v interface{}) interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	json.Unmarshal(b, &out)
	return out
}

func (idx *viewIndex) allRows() []row {
	var rows []row
	for _, emitted := range idx.rows {
		rows = append(rows, emitted...)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if c := collateKeys(rows[i].key, rows[j].key); c != 0 {
			return c < 0
		}
		return rows[i].id < rows[j].id
	})
	return rows
}

// filterRows applies key selection and ordering. rows must be sorted
// ascending.
func filterRows(rows []row, p *queryParams) []row {
	if p.hasKeys {
		var out []row
		for _, k := range p.keys {
			for _, r := range rows {
				if collateKeys(r.key, k) == 0 {
					out = append(out, r)
				}
			}
		}
		return out
	}
	if p.descending {
		rev := make([]row, len(rows))
		for i, r := range rows {
			rev[len(rows)-1-i] = r
		}
		rows = rev
	}
	sign := 1
	if p.descending {
		sign = -1
	}
	var out []row
	for _, r := range rows {
		if p.hasKey && collateKeys(r.key, p.key) != 0 {
			continue
		}
		if p.hasStart && sign*collateKeys(r.key, p.startKey) < 0 {
			continue
		}
		if p.hasEnd {
			c := sign * collateKeys(r.key, p.endKey)
			if c > 0 || (c == 0 && !p.inclusiveEnd) {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func window(rows []row, p *queryParams) []row {
	if p.skip >= len(rows) {
		return nil
	}
	rows = rows[p.skip:]
	if p.limit >= 0 && p.limit < len(rows) {
		rows = rows[:p.limit]
	}
	return rows
}

// groupRows reduces rows, either all together or per (prefix of) key.
func groupRows(rows []row, fn ReduceFunc, group bool, level int) []row {
	if fn == nil {
		return rows
	}
	if !group && level == 0 {
		if len(rows) == 0 {
			return nil
		}
		keys, values := columns(rows)
		return []row{{key: nil, value: normalize(fn(keys, values))}}
	}
	var out []row
	for start := 0; start < len(rows); {
		k := groupKey(rows[start].key, group, level)
		end := start + 1
		for end < len(rows) && collateKeys(groupKey(rows[end].key, group, level), k) == 0 {
			end++
		}
		keys, values := columns(rows[start:end])
		out = append(out, row{key: k, value: normalize(fn(keys, values))})
		start = end
	}
	return out
}

func groupKey(key interface{}, group bool, level int) interface{} {
	arr, ok := key.([]interface{})
	if level == 0 || !ok || len(arr) <= level {
		return key
	}
	return arr[:level]
}

func columns(rows []row) (keys, values []interface{}) {
	for _, r := range rows {
		keys = append(keys, r.key)
		values = append(values, r.value)
	}
	return keys, values
}

// scheduleCopy materializes rows into the dbcopy database unless the
// same output was copied before. The database appears after one copy
// delay and receives one document per further delay. Called with s.mu
// held.
func (s *Server) scheduleCopy(idx *viewIndex, target string, rows []row) {
	b, _ := json.Marshal(rowsJSON(rows))
	sum := sha1.Sum(append([]byte(target+"\x00"), b...))
	digest := hex.EncodeToString(sum[:])
	if idx.copied == digest {
		return
	}
	idx.copied = digest

	go func() {
		time.Sleep(s.copyDelay)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if _, ok := s.dbs[target]; !ok {
			s.dbs[target] = newDatabase()
		}
		s.mu.Unlock()

		for _, r := range rows {
			time.Sleep(s.copyDelay)
			keyJSON, _ := json.Marshal(r.key)
			sum := sha1.Sum(keyJSON)
			id := hex.EncodeToString(sum[:])
			s.mu.Lock()
			d, ok := s.dbs[target]
			if s.closed || !ok {
				s.mu.Unlock()
				return
			}
			cur := ""
			if old, ok := d.docs[id]; ok && !old.deleted {
				cur = old.rev
			}
			s.store(target, d, id, Doc{"key": r.key, "value": r.value}, cur, false)
			s.mu.Unlock()
		}
	}()
}

func rowsJSON(rows []row) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rows))
	for _, r := range rows {
		out = append(out, map[string]interface{}{"key": r.key, "value": r.value})
	}
	return out
}

func (s *Server) allDocs(w http.ResponseWriter, r *http.Request) {
	name := vars(r)["db"]
	p, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "query_parse_error", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.lookup(w, name)
	if !ok {
		return
	}
	var rows []row
	for id, doc := range d.docs {
		if !doc.deleted {
			rows = append(rows, row{id: id, key: id, value: map[string]interface{}{"rev": doc.rev}})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })
	total := len(rows)
	rows = filterRows(rows, p)
	out := make([]map[string]interface{}, 0, len(rows))
	for _, r := range window(rows, p) {
		row := map[string]interface{}{"id": r.id, "key": r.key, "value": r.value}
		if p.includeDocs {
			row["doc"] = d.docs[r.id].render()
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"total_rows": total, "offset": p.skip, "rows": out})
}

// Strings sort by Unicode collation, as the server's ICU ordering does:
// "a" < "A" < "b".
var (
	collatorMu sync.Mutex
	collator   = collate.New(language.Und)
)

func compareStrings(a, b string) int {
	collatorMu.Lock()
	defer collatorMu.Unlock()
	if c := collator.CompareString(a, b); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// collateKeys orders JSON values the way CouchDB views do: null, false,
// true, numbers, strings, arrays, objects.
func collateKeys(a, b interface{}) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		return compareStrings(av, b.(string))
	case []interface{}:
		bv := b.([]interface{})
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := collateKeys(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return len(av) - len(bv)
	case map[string]interface{}:
		ab, _ := json.Marshal(av)
		bb, _ := json.Marshal(b)
		return strings.Compare(string(ab), string(bb))
	}
	return 0
}

func rank(v interface{}) int {
	switch v := v.(type) {
	case nil:
		return 0
	case bool:
		if v {
			return 2
		}
		return 1
	case float64:
		return 3
	case string:
		return 4
	case []interface{}:
		return 5
	}
	return 6
}
