package couchdb_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	couchdb "github.com/cabify/go-cloudant"
)

var ctx = context.Background()

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// testClient is a Client whose requests are answered in-process by
// handlers registered per "METHOD /path".
type testClient struct {
	*couchdb.Client
	t *testing.T

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	calls    map[string]int
}

func newTestClient(t *testing.T) *testClient {
	tc := &testClient{
		t:        t,
		handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	httpClient := &http.Client{Transport: roundTripperFunc(tc.serve)}
	tc.Client = couchdb.NewClientWithHTTP(asURL("http://testClient:5984/"), httpClient, nil)
	return tc
}

func (c *testClient) Handle(pattern string, f func(http.ResponseWriter, *http.Request)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[pattern] = f
}

// Calls returns how often pattern was requested.
func (c *testClient) Calls(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[pattern]
}

func (c *testClient) serve(r *http.Request) (*http.Response, error) {
	pattern := r.Method + " " + r.URL.Path
	c.mu.Lock()
	h, ok := c.handlers[pattern]
	c.calls[pattern]++
	c.mu.Unlock()
	if !ok {
		c.t.Errorf("unhandled request %s", pattern)
		return nil, fmt.Errorf("unhandled request %s", pattern)
	}
	rec := httptest.NewRecorder()
	h(rec, r)
	return rec.Result(), nil
}

func asURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func check(t *testing.T, field string, expected, actual interface{}) {
	t.Helper()
	assert.Equal(t, expected, actual, field)
}
