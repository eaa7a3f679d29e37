package couchdb

import (
	"encoding/json"
	"reflect"
)

// BulkGet is the request body of _bulk_get.
type BulkGet struct {
	Docs []BulkGetRef `json:"docs"`
}

// BulkGetRef names one document of a _bulk_get request. An empty Rev
// asks for the current revision.
type BulkGetRef struct {
	ID  string `json:"id"`
	Rev string `json:"rev,omitempty"`
}

func newBulkGet(ids []string) *BulkGet {
	req := &BulkGet{Docs: make([]BulkGetRef, 0, len(ids))}
	for _, id := range ids {
		req.Docs = append(req.Docs, BulkGetRef{ID: id})
	}
	return req
}

// BulkDocsReq is the request body of _bulk_docs.
type BulkDocsReq struct {
	Docs []interface{} `json:"docs"`
}

// BulkDocsResp is the outcome of a single _bulk_docs operation.
type BulkDocsResp struct {
	OK     bool   `json:"ok,omitempty"`
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Conflict reports whether the operation lost against a newer revision.
func (r BulkDocsResp) Conflict() bool {
	return r.Error == "conflict"
}

type bulkGetError struct {
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// bulkGetDoc holds either the document or why it could not be read.
type bulkGetDoc struct {
	OK    json.RawMessage `json:"ok"`
	Error *bulkGetError   `json:"error"`
}

type bulkGetResult struct {
	ID   string       `json:"id"`
	Docs []bulkGetDoc `json:"docs"`
}

type bulkGetResp struct {
	Results []bulkGetResult `json:"results"`
}

// split decodes the found documents as values of docType and collects
// the ids that could not be read. Only the first revision of every
// result is looked at.
func (r *bulkGetResp) split(docType interface{}) (docs []interface{}, notFound []string, err error) {
	typ := reflect.TypeOf(docType)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	for _, res := range r.Results {
		if len(res.Docs) == 0 {
			continue
		}
		first := res.Docs[0]
		if first.Error != nil || first.OK == nil {
			notFound = append(notFound, res.ID)
			continue
		}
		doc := reflect.New(typ)
		if err := json.Unmarshal(first.OK, doc.Interface()); err != nil {
			return nil, nil, err
		}
		docs = append(docs, doc.Elem().Interface())
	}
	return docs, notFound, nil
}
