package couchdb_test

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	couchdb "github.com/cabify/go-cloudant"
)

func designFS() fstest.MapFS {
	return fstest.MapFS{
		"views101/views/diet_count/map.js":    {Data: []byte("function(doc) { if (doc.diet) { emit(doc.diet, 1); } }")},
		"views101/views/diet_count/reduce.js": {Data: []byte("_count")},
		"views101/views/diet_count/dbcopy":    {Data: []byte("reduced_diets\n")},
		"views101/views/by_name/map.js":       {Data: []byte("function(doc) { emit(doc.name, null); }")},
		"views101/validate_doc_update.js":     {Data: []byte("function(newDoc) {}")},
		"views101/filters/mammals.js":         {Data: []byte("function(doc) { return doc.class == 'mammal'; }")},
		"views101/filters/README":             {Data: []byte("ignored")},
		"example.json": {Data: []byte(`{
			"_id": "_design/example",
			"_rev": "3-stale",
			"views": {"all": {"map": "function(doc) { emit(doc._id, 1); }", "reduce": "_sum"}}
		}`)},
		"query.yaml": {Data: []byte(`
language: query
views:
  by_class:
    map: "function(doc) { emit(doc.class, 1); }"
    reduce: _count
options:
  partitioned: false
`)},
		"notes.txt":    {Data: []byte("not a design")},
		".hidden.json": {Data: []byte("{}")},
	}
}

func TestDirSourceDirectoryLayout(t *testing.T) {
	src := couchdb.NewFSSource(designFS())

	d, err := src.Get("views101")
	require.NoError(t, err)
	check(t, "ID", "_design/views101", d.ID)
	check(t, "Language", "javascript", d.Language)
	check(t, "views", []string{"by_name", "diet_count"}, d.ViewNames())
	check(t, "diet_count", &couchdb.View{
		Map:    "function(doc) { if (doc.diet) { emit(doc.diet, 1); } }",
		Reduce: "_count",
		DBCopy: "reduced_diets",
	}, d.View("diet_count"))
	check(t, "by_name reduce", "", d.View("by_name").Reduce)
	check(t, "validate", "function(newDoc) {}", d.ValidateDocUpdate)
	check(t, "filters", map[string]string{"mammals": "function(doc) { return doc.class == 'mammal'; }"}, d.Filters)
	assert.Nil(t, d.Shows)
	require.NoError(t, d.Validate())
}

func TestDirSourcePrefixedName(t *testing.T) {
	src := couchdb.NewFSSource(designFS())
	a, err := src.Get("_design/views101")
	require.NoError(t, err)
	b, err := src.Get("views101")
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestDirSourceJSONDefinition(t *testing.T) {
	d, err := couchdb.NewFSSource(designFS()).Get("example")
	require.NoError(t, err)
	check(t, "ID", "_design/example", d.ID)
	check(t, "Rev", "", d.Rev)
	check(t, "all", &couchdb.View{Map: "function(doc) { emit(doc._id, 1); }", Reduce: "_sum"}, d.View("all"))
}

func TestDirSourceYAMLDefinition(t *testing.T) {
	d, err := couchdb.NewFSSource(designFS()).Get("query")
	require.NoError(t, err)
	check(t, "ID", "_design/query", d.ID)
	check(t, "Language", "query", d.Language)
	check(t, "by_class reduce", "_count", d.View("by_class").Reduce)
	check(t, "options", map[string]interface{}{"partitioned": false}, d.Options)
}

func TestDirSourceNotFound(t *testing.T) {
	_, err := couchdb.NewFSSource(designFS()).Get("missing")
	require.Error(t, err)
	assert.True(t, couchdb.NotFound(err))
	assert.ErrorIs(t, err, couchdb.ErrDesignNotFound)

	_, err = couchdb.NewFSSource(designFS()).Get("../etc")
	require.Error(t, err)
	assert.True(t, couchdb.IsValidation(err))
}

func TestDirSourceMissingMap(t *testing.T) {
	fsys := fstest.MapFS{
		"broken/views/v/reduce.js": {Data: []byte("_count")},
	}
	_, err := couchdb.NewFSSource(fsys).Get("broken")
	require.Error(t, err)
	assert.True(t, couchdb.IsValidation(err))
}

func TestDirSourceInvalidJSON(t *testing.T) {
	fsys := fstest.MapFS{"broken.json": {Data: []byte("{")}}
	_, err := couchdb.NewFSSource(fsys).Get("broken")
	require.Error(t, err)
	assert.False(t, couchdb.NotFound(err))
}

func TestDirSourceAll(t *testing.T) {
	designs, err := couchdb.NewFSSource(designFS()).All()
	require.NoError(t, err)
	ids := make([]string, len(designs))
	for i, d := range designs {
		ids[i] = d.ID
	}
	check(t, "ids", []string{"_design/example", "_design/query", "_design/views101"}, ids)
}

func TestDirSourceAllDuplicate(t *testing.T) {
	fsys := fstest.MapFS{
		"example.json": {Data: []byte(`{}`)},
		"example.yml":  {Data: []byte(`{}`)},
	}
	_, err := couchdb.NewFSSource(fsys).All()
	assert.Error(t, err)
}

func TestDirSourceOnDisk(t *testing.T) {
	dir := t.TempDir()
	viewDir := filepath.Join(dir, "animals", "views", "count")
	require.NoError(t, os.MkdirAll(viewDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(viewDir, "map.js"), []byte("function(doc) { emit(null, 1); }"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(viewDir, "reduce.js"), []byte("_sum"), 0o644))

	d, err := couchdb.NewDirSource(dir).Get("animals")
	require.NoError(t, err)
	check(t, "reduce", "_sum", d.View("count").Reduce)
}

func TestStaticSource(t *testing.T) {
	src := couchdb.StaticSource{exampleDesign()}

	d, err := src.Get("example")
	require.NoError(t, err)
	assert.True(t, d.Equal(exampleDesign()))

	d.View("by_name").Map = "changed"
	again, err := src.Get("_design/example")
	require.NoError(t, err)
	assert.True(t, again.Equal(exampleDesign()), "Get returns copies")

	_, err = src.Get("missing")
	assert.True(t, couchdb.NotFound(err))
}
