package couchdb

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
)

const (
	designPrefix    = "_design/"
	defaultLanguage = "javascript"
)

// Design is a CouchDB design document: a set of map/reduce views plus
// optional validation, filter, show, list and update functions.
//
// Two designs are Equal when everything but the revision matches.
type Design struct {
	ID                string                 `json:"_id"`
	Rev               string                 `json:"_rev,omitempty"`
	Language          string                 `json:"language,omitempty"`
	Views             map[string]*View       `json:"views,omitempty"`
	ValidateDocUpdate string                 `json:"validate_doc_update,omitempty"`
	Filters           map[string]string      `json:"filters,omitempty"`
	Shows             map[string]string      `json:"shows,omitempty"`
	Lists             map[string]string      `json:"lists,omitempty"`
	Updates           map[string]string      `json:"updates,omitempty"`
	Options           map[string]interface{} `json:"options,omitempty"`
}

// View is a single map/reduce view definition. Setting DBCopy makes
// Cloudant copy the reduced output of the view into the named database
// whenever the index is built.
//
// A view has no language of its own: the Language of the owning Design
// applies to all of its views.
type View struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce,omitempty"`
	DBCopy string `json:"dbcopy,omitempty"`
}

// Queryable reports whether the view has the map function needed to
// build an index.
func (v *View) Queryable() bool {
	return v != nil && strings.TrimSpace(v.Map) != ""
}

// NewDesign creates an empty design document. The _design/ prefix is
// added to name when missing.
func NewDesign(name string) *Design {
	return &Design{
		ID:       DesignID(name),
		Language: defaultLanguage,
		Views:    make(map[string]*View),
	}
}

// DesignID returns the document id of the design document called name.
func DesignID(name string) string {
	if strings.HasPrefix(name, designPrefix) {
		return name
	}
	return designPrefix + name
}

// Name returns the design document id without the _design/ prefix.
func (d *Design) Name() string {
	return strings.TrimPrefix(d.ID, designPrefix)
}

// AddView sets the view called name, replacing any previous definition.
func (d *Design) AddView(name string, v *View) {
	if d.Views == nil {
		d.Views = make(map[string]*View)
	}
	d.Views[name] = v
}

// View returns the view called name, or nil.
func (d *Design) View(name string) *View {
	return d.Views[name]
}

// ViewNames returns the names of all views in sorted order.
func (d *Design) ViewNames() []string {
	names := make([]string, 0, len(d.Views))
	for name := range d.Views {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the document locally: the id must carry the
// _design/ prefix and every view must have a map function.
func (d *Design) Validate() error {
	if d == nil {
		return invalid("design", "document is nil")
	}
	if !strings.HasPrefix(d.ID, designPrefix) || len(d.ID) == len(designPrefix) {
		return invalid("design id", "%q is not of the form _design/<name>", d.ID)
	}
	for _, name := range d.ViewNames() {
		if name == "" {
			return invalid("view name", "empty view name in %s", d.ID)
		}
		if !d.Views[name].Queryable() {
			return invalid("view "+name, "missing map function in %s", d.ID)
		}
	}
	if _, err := json.Marshal(d.Options); err != nil {
		return invalid("options", "%v", err)
	}
	return nil
}

// canonical is the revision independent form used for comparison.
// Missing languages default to javascript and nil views compare
// like empty ones.
func (d *Design) canonical() *Design {
	c := d.Clone()
	c.Rev = ""
	if c.Language == "" {
		c.Language = defaultLanguage
	}
	for name, v := range c.Views {
		if v == nil {
			c.Views[name] = &View{}
		}
	}
	return c
}

func checksum(v interface{}) string {
	// encoding/json sorts map keys, so the encoding is stable
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// Checksum returns a digest of the complete design document
// excluding its revision.
func (d *Design) Checksum() string {
	return checksum(d.canonical())
}

// ViewChecksum returns a digest of the view definitions only.
func (d *Design) ViewChecksum() string {
	return checksum(d.canonical().Views)
}

// Equal reports whether two design documents have the same id and
// content. Revisions are ignored.
func (d *Design) Equal(other *Design) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.ID != other.ID {
		return false
	}
	a, b := d.Checksum(), other.Checksum()
	if a == "" || b == "" {
		// not encodable, compare the values themselves
		return reflect.DeepEqual(d.canonical(), other.canonical())
	}
	return a == b
}

// Clone returns a deep copy of the design document.
func (d *Design) Clone() *Design {
	c := *d
	if d.Views != nil {
		c.Views = make(map[string]*View, len(d.Views))
		for name, v := range d.Views {
			if v != nil {
				vc := *v
				v = &vc
			}
			c.Views[name] = v
		}
	}
	c.Filters = cloneFuncs(d.Filters)
	c.Shows = cloneFuncs(d.Shows)
	c.Lists = cloneFuncs(d.Lists)
	c.Updates = cloneFuncs(d.Updates)
	if d.Options != nil {
		c.Options = copyValue(d.Options).(map[string]interface{})
	}
	return &c
}

// copyValue deep copies the maps and slices of a decoded JSON value.
func copyValue(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		c := make(map[string]interface{}, len(v))
		for k, e := range v {
			c[k] = copyValue(e)
		}
		return c
	case []interface{}:
		c := make([]interface{}, len(v))
		for i, e := range v {
			c[i] = copyValue(e)
		}
		return c
	}
	return v
}

func cloneFuncs(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
