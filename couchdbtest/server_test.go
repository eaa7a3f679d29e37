package couchdbtest_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cabify/go-cloudant/couchdbtest"
)

func do(t *testing.T, method, rawurl, body string) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, rawurl, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	if method != http.MethodHead {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestDocumentRevisions(t *testing.T) {
	srv := couchdbtest.New()
	defer srv.Close()
	srv.CreateDB("db")

	status, out := do(t, http.MethodPut, srv.URL+"/db/doc", `{"name":"emu"}`)
	require.Equal(t, http.StatusCreated, status)
	rev1 := out["rev"].(string)
	assert.True(t, strings.HasPrefix(rev1, "1-"))

	status, _ = do(t, http.MethodPut, srv.URL+"/db/doc", `{"name":"emu"}`)
	assert.Equal(t, http.StatusConflict, status, "missing revision")

	status, _ = do(t, http.MethodPut, srv.URL+"/db/doc?rev=1-0", `{"name":"emu"}`)
	assert.Equal(t, http.StatusConflict, status, "stale revision")

	status, out = do(t, http.MethodPut, srv.URL+"/db/doc?rev="+rev1, `{"name":"emu","diet":"omnivore"}`)
	require.Equal(t, http.StatusCreated, status)
	rev2 := out["rev"].(string)
	assert.True(t, strings.HasPrefix(rev2, "2-"))

	doc := srv.Doc("db", "doc")
	assert.Equal(t, "omnivore", doc["diet"])
	assert.Equal(t, rev2, doc["_rev"])
	assert.Equal(t, 2, srv.Writes("db"))

	status, _ = do(t, http.MethodDelete, srv.URL+"/db/doc?rev="+rev2, "")
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, srv.Doc("db", "doc"))

	status, out = do(t, http.MethodGet, srv.URL+"/db/doc", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "deleted", out["reason"])
}

func TestDesignDocumentRoute(t *testing.T) {
	srv := couchdbtest.New()
	defer srv.Close()
	srv.CreateDB("db")

	status, _ := do(t, http.MethodPut, srv.URL+"/db/_design/example", `{"views":{}}`)
	require.Equal(t, http.StatusCreated, status)
	assert.NotNil(t, srv.Doc("db", "_design/example"))

	status, _ = do(t, http.MethodPut, srv.URL+"/db/"+url.PathEscape("a/b"), `{}`)
	require.Equal(t, http.StatusCreated, status)
	assert.NotNil(t, srv.Doc("db", "a/b"))
}

func TestViewCollation(t *testing.T) {
	srv := couchdbtest.New()
	defer srv.Close()
	srv.CreateDB("db")
	const mapSrc = "function(doc) { emit(doc.key, null); }"
	srv.RegisterMap(mapSrc, func(doc couchdbtest.Doc, emit couchdbtest.Emit) {
		emit(doc["key"], nil)
	})
	keys := map[string]interface{}{
		"null": nil, "false": false, "true": true, "one": 1, "ten": 10,
		"lower": "a", "upper": "A", "b": "b", "array": []interface{}{"a"}, "object": map[string]interface{}{},
	}
	for id, k := range keys {
		_, err := srv.PutDoc("db", id, couchdbtest.Doc{"key": k})
		require.NoError(t, err)
	}
	_, err := srv.PutDoc("db", "_design/d", couchdbtest.Doc{
		"views": map[string]interface{}{"v": map[string]interface{}{"map": mapSrc}},
	})
	require.NoError(t, err)

	status, out := do(t, http.MethodGet, srv.URL+"/db/_design/d/_view/v", "")
	require.Equal(t, http.StatusOK, status)
	var ids []string
	for _, r := range out["rows"].([]interface{}) {
		ids = append(ids, r.(map[string]interface{})["id"].(string))
	}
	assert.Equal(t, []string{"null", "false", "true", "one", "ten", "lower", "upper", "b", "array", "object"}, ids)
}

func TestUnregisteredMap(t *testing.T) {
	srv := couchdbtest.New()
	defer srv.Close()
	srv.CreateDB("db")
	_, err := srv.PutDoc("db", "_design/d", couchdbtest.Doc{
		"views": map[string]interface{}{"v": map[string]interface{}{"map": "function(doc) {}"}},
	})
	require.NoError(t, err)

	status, out := do(t, http.MethodGet, srv.URL+"/db/_design/d/_view/v", "")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "unknown_map", out["error"])
}

func TestDatabases(t *testing.T) {
	srv := couchdbtest.New()
	defer srv.Close()

	status, _ := do(t, http.MethodPut, srv.URL+"/db", "")
	require.Equal(t, http.StatusCreated, status)
	status, out := do(t, http.MethodPut, srv.URL+"/db", "")
	assert.Equal(t, http.StatusPreconditionFailed, status)
	assert.Equal(t, "file_exists", out["error"])
	assert.True(t, srv.HasDB("db"))

	status, _ = do(t, http.MethodDelete, srv.URL+"/db", "")
	require.Equal(t, http.StatusOK, status)
	assert.False(t, srv.HasDB("db"))
}
