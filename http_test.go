package couchdb_test

import (
	"errors"
	"io"
	"net/http"
	. "net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	couchdb "github.com/cabify/go-cloudant"
)

type testauth struct{ called bool }

func (a *testauth) AddAuth(*Request) {
	a.called = true
}

func TestClientSetAuth(t *testing.T) {
	c := newTestClient(t)
	c.Handle("HEAD /", func(resp ResponseWriter, req *Request) {})

	auth := new(testauth)
	c.SetAuth(auth)
	if err := c.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	if !auth.called {
		t.Error("AddAuth was not called")
	}

	auth.called = false
	c.SetAuth(nil)
	if err := c.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	if auth.called {
		t.Error("AddAuth was called after removing Auth instance")
	}
}

func TestErrorHandling(t *testing.T) {
	te := &couchdb.Error{Method: "GET", StatusCode: http.StatusConflict}
	fe := errors.New("Not an HTTP error")
	if !couchdb.Conflict(te) {
		t.Errorf("Expected conflict")
	}
	if couchdb.Conflict(fe) {
		t.Errorf("Did not expect a conflict")
	}

	wrapped := xerrors.Errorf("sync design: %w", te)
	assert.True(t, couchdb.Conflict(wrapped))
	assert.False(t, couchdb.NotFound(wrapped))

	missing := xerrors.Errorf("example: %w", couchdb.ErrDesignNotFound)
	assert.True(t, couchdb.NotFound(missing))
}

func TestErrorBody(t *testing.T) {
	c := newTestClient(t)
	c.Handle("GET /db/doc", func(resp ResponseWriter, req *Request) {
		resp.WriteHeader(http.StatusNotFound)
		io.WriteString(resp, `{"error":"not_found","reason":"missing"}`)
	})
	c.Handle("GET /db/proxied", func(resp ResponseWriter, req *Request) {
		resp.WriteHeader(http.StatusBadGateway)
		io.WriteString(resp, `<html>bad gateway</html>`)
	})

	var doc map[string]interface{}
	err := c.DB("db").Get(ctx, "doc", &doc, nil)
	require.Error(t, err)
	var dberr *couchdb.Error
	require.True(t, xerrors.As(err, &dberr))
	check(t, "StatusCode", http.StatusNotFound, dberr.StatusCode)
	check(t, "ErrorCode", "not_found", dberr.ErrorCode)
	check(t, "Reason", "missing", dberr.Reason)
	check(t, "Method", "GET", dberr.Method)
	assert.Equal(t, "GET http://testClient:5984/db/doc: (404) not_found: missing", err.Error())

	err = c.DB("db").Get(ctx, "proxied", &doc, nil)
	require.Error(t, err)
	assert.True(t, couchdb.ErrorStatus(err, http.StatusBadGateway))
}

func TestTransportError(t *testing.T) {
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	c := couchdb.NewClientWithHTTP(asURL("http://127.0.0.1:5984/"), &http.Client{Transport: rt}, nil)
	err := c.Ping(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HEAD /")
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, couchdb.NotFound(err))
}
