package couchdb

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Client represents a remote CouchDB server.
type Client struct{ *transport }

// NewClient creates a new Client whose HTTP transport is built from cfg.
// addr should contain scheme and host, and optionally port and path. All other attributes will be ignored.
// If auth is nil, credentials in addr are used when present.
func NewClient(addr *url.URL, cfg ConnectionConfig, auth Auth) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return NewClientWithHTTP(addr, cfg.HTTPClient(), auth), nil
}

// NewClientWithHTTP creates a new Client on top of an existing http.Client.
// If client is nil, default http.Client will be used
// If auth is nil, credentials in addr are used when present.
func NewClientWithHTTP(addr *url.URL, client *http.Client, auth Auth) *Client {
	prefixAddr := *addr
	if auth == nil {
		auth = userAuth(prefixAddr.User)
	}
	// cleanup our address
	prefixAddr.User, prefixAddr.RawQuery, prefixAddr.Fragment = nil, "", ""
	return &Client{newTransport(prefixAddr.String(), client, auth)}
}

// URL returns the URL prefix of the server.
// The url will not contain a trailing '/'.
func (c *Client) URL() string {
	return c.prefix
}

// Ping can be used to check whether a server is alive.
// It sends an HTTP HEAD request to the server's URL.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.closedRequest(ctx, http.MethodHead, "/", nil)
	return err
}

// SetAuth sets the authentication mechanism used by the client.
// Use SetAuth(nil) to unset any mechanism that might be in use.
// In order to verify the credentials against the server, issue any request
// after the call the SetAuth.
func (c *Client) SetAuth(a Auth) {
	c.transport.setAuth(a)
}

// CreateDB creates a new database.
// The request will fail with status "412 Precondition Failed" if the database
// already exists. A valid DB object is returned in all cases, even if the
// request fails.
func (c *Client) CreateDB(ctx context.Context, name string) (*DB, error) {
	if _, err := c.closedRequest(ctx, http.MethodPut, path(name), nil); err != nil {
		return c.DB(name), err
	}
	return c.DB(name), nil
}

// CreateDBWithShards creates a new database with the specified number of shards
func (c *Client) CreateDBWithShards(ctx context.Context, name string, shards int) (*DB, error) {
	_, err := c.closedRequest(ctx, http.MethodPut, fmt.Sprintf("%s?q=%d", path(name), shards), nil)

	return c.DB(name), err
}

// EnsureDB ensures that a database with the given name exists.
func (c *Client) EnsureDB(ctx context.Context, name string) (*DB, error) {
	db, err := c.CreateDB(ctx, name)
	if err != nil && !ErrorStatus(err, http.StatusPreconditionFailed) {
		return nil, err
	}
	return db, nil
}

// DeleteDB deletes an existing database.
func (c *Client) DeleteDB(ctx context.Context, name string) error {
	_, err := c.closedRequest(ctx, http.MethodDelete, path(name), nil)
	return err
}

// DBExists reports whether a database is visible to this client.
// A 404 is not an error; any other failure is.
func (c *Client) DBExists(ctx context.Context, name string) (bool, error) {
	_, err := c.closedRequest(ctx, http.MethodHead, path(name), nil)
	switch {
	case err == nil:
		return true, nil
	case NotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// AllDBs returns the names of all existing databases.
func (c *Client) AllDBs(ctx context.Context) (names []string, err error) {
	resp, err := c.request(ctx, http.MethodGet, "/_all_dbs", nil)
	if err != nil {
		return names, err
	}
	err = readBody(resp, &names)
	return names, err
}

// DB creates a database object.
// The database inherits the authentication and http.RoundTripper
// of the client. The database's actual existence is not verified.
func (c *Client) DB(name string) *DB {
	return &DB{c.transport, name}
}
