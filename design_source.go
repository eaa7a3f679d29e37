package couchdb

import (
	"encoding/json"
	"io/fs"
	"os"
	fspath "path"
	"sort"
	"strings"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// DesignSource provides locally authored design documents.
// Implementations do no network I/O.
type DesignSource interface {
	// Get returns the design document called name, with or without
	// the _design/ prefix. It fails with ErrDesignNotFound when no
	// definition exists.
	Get(name string) (*Design, error)
	// All returns every design document, sorted by id.
	All() ([]*Design, error)
}

// DirSource reads design documents from a directory tree.
//
// Each design document is either a single file
//
//	<name>.json, <name>.yaml or <name>.yml
//
// holding the document itself, or a directory
//
//	<name>/language
//	<name>/validate_doc_update.js
//	<name>/views/<view>/map.js
//	<name>/views/<view>/reduce.js
//	<name>/views/<view>/dbcopy
//	<name>/filters/<filter>.js
//	<name>/shows/<show>.js
//	<name>/lists/<list>.js
//	<name>/updates/<update>.js
//
// where every file but map.js is optional.
type DirSource struct {
	fsys fs.FS
}

// NewDirSource returns a DirSource reading from a directory on disk.
func NewDirSource(dir string) *DirSource {
	return &DirSource{fsys: os.DirFS(dir)}
}

// NewFSSource returns a DirSource reading from fsys, for instance an
// embed.FS compiled into the program.
func NewFSSource(fsys fs.FS) *DirSource {
	return &DirSource{fsys: fsys}
}

var definitionExts = []string{".json", ".yaml", ".yml"}

// Get implements DesignSource.
func (s *DirSource) Get(name string) (*Design, error) {
	name = strings.TrimPrefix(name, designPrefix)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, invalid("design name", "%q", name)
	}
	if st, err := fs.Stat(s.fsys, name); err == nil && st.IsDir() {
		return s.readDir(name)
	}
	for _, ext := range definitionExts {
		data, err := fs.ReadFile(s.fsys, name+ext)
		if xerrors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, xerrors.Errorf("read design %s: %w", name, err)
		}
		return decodeDefinition(name, ext, data)
	}
	return nil, xerrors.Errorf("%s: %w", name, ErrDesignNotFound)
}

// All implements DesignSource.
func (s *DirSource) All() ([]*Design, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, xerrors.Errorf("list design definitions: %w", err)
	}
	seen := make(map[string]bool)
	var designs []*Design
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !e.IsDir() {
			ext := fspath.Ext(name)
			if !isDefinitionExt(ext) {
				continue
			}
			name = strings.TrimSuffix(name, ext)
		}
		if seen[name] {
			return nil, xerrors.Errorf("design %s is defined more than once", name)
		}
		seen[name] = true
		d, err := s.Get(name)
		if err != nil {
			return nil, err
		}
		designs = append(designs, d)
	}
	sort.Slice(designs, func(i, j int) bool { return designs[i].ID < designs[j].ID })
	return designs, nil
}

func isDefinitionExt(ext string) bool {
	for _, e := range definitionExts {
		if e == ext {
			return true
		}
	}
	return false
}

func decodeDefinition(name, ext string, data []byte) (*Design, error) {
	if ext != ".json" {
		// yaml.v3 decodes string keyed mappings into map[string]interface{},
		// which re-encodes as JSON so both formats share the json tags.
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, xerrors.Errorf("parse design %s: %w", name, err)
		}
		var err error
		if data, err = json.Marshal(raw); err != nil {
			return nil, xerrors.Errorf("parse design %s: %w", name, err)
		}
	}
	d := new(Design)
	if err := json.Unmarshal(data, d); err != nil {
		return nil, xerrors.Errorf("parse design %s: %w", name, err)
	}
	if d.ID == "" {
		d.ID = DesignID(name)
	}
	d.Rev = ""
	return d, nil
}

func (s *DirSource) readDir(name string) (*Design, error) {
	d := NewDesign(name)
	if lang, ok, err := s.optionalFile(name, "language"); err != nil {
		return nil, err
	} else if ok {
		d.Language = strings.TrimSpace(lang)
	}
	if fn, ok, err := s.optionalFile(name, "validate_doc_update.js"); err != nil {
		return nil, err
	} else if ok {
		d.ValidateDocUpdate = fn
	}

	views, err := s.subdirs(fspath.Join(name, "views"))
	if err != nil {
		return nil, err
	}
	for _, view := range views {
		dir := fspath.Join(name, "views", view)
		m, ok, err := s.optionalFile(dir, "map.js")
		if err != nil {
			return nil, err
		} else if !ok {
			return nil, invalid("view "+view, "missing map.js in %s", dir)
		}
		v := &View{Map: m}
		if v.Reduce, _, err = s.optionalFile(dir, "reduce.js"); err != nil {
			return nil, err
		}
		dbcopy, _, err := s.optionalFile(dir, "dbcopy")
		if err != nil {
			return nil, err
		}
		v.DBCopy = strings.TrimSpace(dbcopy)
		d.AddView(view, v)
	}

	for _, group := range []struct {
		dir string
		dst *map[string]string
	}{
		{"filters", &d.Filters},
		{"shows", &d.Shows},
		{"lists", &d.Lists},
		{"updates", &d.Updates},
	} {
		funcs, err := s.functions(fspath.Join(name, group.dir))
		if err != nil {
			return nil, err
		}
		*group.dst = funcs
	}
	return d, nil
}

func (s *DirSource) optionalFile(dir, file string) (string, bool, error) {
	data, err := fs.ReadFile(s.fsys, fspath.Join(dir, file))
	if xerrors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	} else if err != nil {
		return "", false, xerrors.Errorf("read %s/%s: %w", dir, file, err)
	}
	return string(data), true, nil
}

func (s *DirSource) subdirs(dir string) ([]string, error) {
	entries, err := fs.ReadDir(s.fsys, dir)
	if xerrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, xerrors.Errorf("list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// functions reads every <fn>.js file of dir into a name to source map.
func (s *DirSource) functions(dir string) (map[string]string, error) {
	entries, err := fs.ReadDir(s.fsys, dir)
	if xerrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, xerrors.Errorf("list %s: %w", dir, err)
	}
	var funcs map[string]string
	for _, e := range entries {
		if e.IsDir() || fspath.Ext(e.Name()) != ".js" {
			continue
		}
		src, _, err := s.optionalFile(dir, e.Name())
		if err != nil {
			return nil, err
		}
		if funcs == nil {
			funcs = make(map[string]string)
		}
		funcs[strings.TrimSuffix(e.Name(), ".js")] = src
	}
	return funcs, nil
}

// StaticSource is a DesignSource over designs built in code.
type StaticSource []*Design

// Get implements DesignSource.
func (s StaticSource) Get(name string) (*Design, error) {
	id := DesignID(name)
	for _, d := range s {
		if d.ID == id {
			return d.Clone(), nil
		}
	}
	return nil, xerrors.Errorf("%s: %w", name, ErrDesignNotFound)
}

// All implements DesignSource.
func (s StaticSource) All() ([]*Design, error) {
	designs := make([]*Design, 0, len(s))
	for _, d := range s {
		designs = append(designs, d.Clone())
	}
	sort.Slice(designs, func(i, j int) bool { return designs[i].ID < designs[j].ID })
	return designs, nil
}
