package couchdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/xerrors"
)

// transport is shared by a Client and all DB objects obtained from it.
type transport struct {
	prefix string // URL prefix
	http   *http.Client
	mu     sync.RWMutex
	auth   Auth
}

func newTransport(prefix string, client *http.Client, auth Auth) *transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &transport{
		prefix: strings.TrimRight(prefix, "/"),
		http:   client,
		auth:   auth,
	}
}

func (t *transport) setAuth(a Auth) {
	t.mu.Lock()
	t.auth = a
	t.mu.Unlock()
}

func (t *transport) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, t.prefix+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	t.mu.RLock()
	if t.auth != nil {
		t.auth.AddAuth(req)
	}
	t.mu.RUnlock()
	return req, nil
}

// request sends an HTTP request to a CouchDB server.
// The request URL is constructed from the server's
// prefix and the given path, which may contain an
// encoded query string.
//
// Status codes >= 400 are treated as errors.
func (t *transport) request(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := t.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	glog.V(2).Infof("couchdb: %s %s", method, path)
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("%s %s: %w", method, path, err)
	} else if resp.StatusCode >= 400 {
		return nil, parseError(req, resp) // the Body is closed by parseError
	}
	return resp, nil
}

// closedRequest sends an HTTP request and discards the response body.
func (t *transport) closedRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	resp, err := t.request(ctx, method, path, body)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return resp, err
}

// jsonBody marshals v for use as a request body.
func jsonBody(v interface{}) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}

func path(segs ...string) string {
	r := ""
	for _, seg := range segs {
		r += "/"
		r += url.PathEscape(seg)
	}
	return r
}

// docpath is like path but keeps the slash of _design/ and _local/ ids.
func docpath(db, id string) string {
	for _, prefix := range []string{designPrefix, "_local/"} {
		if strings.HasPrefix(id, prefix) {
			return path(db) + "/" + prefix + url.PathEscape(strings.TrimPrefix(id, prefix))
		}
	}
	return path(db, id)
}

func revpath(rev string, base string) string {
	if rev != "" {
		base += "?rev=" + url.QueryEscape(rev)
	}
	return base
}

func optpath(opts Options, jskeys []string, base string) (string, error) {
	if len(opts) == 0 {
		return base, nil
	}
	os, err := encopts(opts, jskeys)
	if err != nil {
		return "", err
	}
	return base + os, nil
}

func encopts(opts Options, jskeys []string) (string, error) {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	// stable order makes the paths comparable in tests
	sort.Strings(keys)

	buf := new(bytes.Buffer)
	buf.WriteRune('?')
	amp := false
	for _, k := range keys {
		v := opts[k]
		if amp {
			buf.WriteByte('&')
		}
		buf.WriteString(url.QueryEscape(k))
		buf.WriteByte('=')
		isjson := false
		for _, jskey := range jskeys {
			if k == jskey {
				isjson = true
				break
			}
		}
		if isjson {
			jsonv, err := json.Marshal(v)
			if err != nil {
				return "", xerrors.Errorf("invalid option %q: %w", k, err)
			}
			buf.WriteString(url.QueryEscape(string(jsonv)))
		} else {
			if err := encval(buf, v); err != nil {
				return "", xerrors.Errorf("invalid option %q: %w", k, err)
			}
		}
		amp = true
	}
	return buf.String(), nil
}

func encval(w io.Writer, v interface{}) error {
	if v == nil {
		return errors.New("value is nil")
	}
	rv := reflect.ValueOf(v)
	var str string
	switch rv.Kind() {
	case reflect.String:
		str = url.QueryEscape(rv.String())
	case reflect.Bool:
		str = strconv.FormatBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		str = strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		str = strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32:
		str = strconv.FormatFloat(rv.Float(), 'f', -1, 32)
	case reflect.Float64:
		str = strconv.FormatFloat(rv.Float(), 'f', -1, 64)
	default:
		return fmt.Errorf("unsupported type: %s", rv.Type())
	}
	_, err := io.WriteString(w, str)
	return err
}

// responseRev returns the unquoted Etag of a response.
func responseRev(resp *http.Response, err error) (string, error) {
	if err != nil {
		return "", err
	} else if etag := resp.Header.Get("Etag"); etag == "" {
		return "", errors.New("couchdb: missing Etag header in response")
	} else {
		return strings.Trim(etag, `"`), nil
	}
}

// responseIDRev reads id and rev from a write response body.
func responseIDRev(resp *http.Response) (id, rev string, err error) {
	var result struct {
		ID  string `json:"id"`
		Rev string `json:"rev"`
	}
	if err := readBody(resp, &result); err != nil {
		return "", "", err
	}
	return result.ID, result.Rev, nil
}

func readBody(resp *http.Response, v interface{}) error {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		resp.Body.Close()
		return err
	}
	return resp.Body.Close()
}

func parseError(req *http.Request, resp *http.Response) error {
	var reply struct{ Error, Reason string }
	if req.Method != http.MethodHead {
		// some proxies answer with non-JSON bodies, keep the status anyway
		_ = readBody(resp, &reply)
	} else {
		resp.Body.Close()
	}
	return &Error{
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		ErrorCode:  reply.Error,
		Reason:     reply.Reason,
	}
}
