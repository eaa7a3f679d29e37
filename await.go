package couchdb

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// Defaults of AwaitOptions.
const (
	DefaultAwaitTimeout  = 2 * time.Minute
	DefaultAwaitInterval = time.Second
)

// Clock is the time source of Await. Tests substitute a fake one.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time                         { return time.Now() }
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// AwaitOptions bounds an Await call. Zero fields take the defaults.
type AwaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	Clock    Clock
}

func (o AwaitOptions) withDefaults() AwaitOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultAwaitTimeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultAwaitInterval
	}
	if o.Clock == nil {
		o.Clock = wallClock{}
	}
	return o
}

// Await polls check until satisfied accepts its result or the timeout
// elapses. It is the way to observe writes that reach the database
// asynchronously, such as replicated documents or dbcopy databases.
//
// check runs immediately and then once per interval. When the timeout
// elapses the last value is returned with a nil error: Await waits on
// a best effort basis and the caller decides whether the value is good
// enough. An error from check is returned at once. If ctx ends while
// waiting, the last value is returned with an error matching
// ErrCanceled.
//
// Nothing is held between checks; sleeping Await calls cost no
// connections.
func Await[T any](ctx context.Context, check func(context.Context) (T, error), satisfied func(T) bool, opts AwaitOptions) (T, error) {
	opts = opts.withDefaults()
	deadline := opts.Clock.Now().Add(opts.Timeout)
	for attempt := 1; ; attempt++ {
		v, err := check(ctx)
		if err != nil {
			return v, err
		}
		if satisfied(v) {
			glog.V(2).Infof("couchdb: condition met after %d checks", attempt)
			return v, nil
		}
		remaining := deadline.Sub(opts.Clock.Now())
		if remaining <= 0 {
			glog.V(1).Infof("couchdb: gave up waiting after %d checks in %v", attempt, opts.Timeout)
			return v, nil
		}
		wait := opts.Interval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return v, &canceledError{cause: ctx.Err()}
		case <-opts.Clock.After(wait):
		}
	}
}

// AwaitDB waits until the database called name exists and reports
// whether it does.
func AwaitDB(ctx context.Context, c *Client, name string, opts AwaitOptions) (bool, error) {
	return Await(ctx,
		func(ctx context.Context) (bool, error) { return c.DBExists(ctx, name) },
		func(exists bool) bool { return exists },
		opts)
}

// AwaitDocIDs waits until db holds at least min documents and returns
// the ids last seen. A database that does not exist yet counts as
// empty.
func AwaitDocIDs(ctx context.Context, db *DB, min int, opts AwaitOptions) ([]string, error) {
	req, err := db.AllDocsRequest().Build()
	if err != nil {
		return nil, err
	}
	return Await(ctx,
		func(ctx context.Context) ([]string, error) {
			resp, err := req.Execute(ctx)
			if NotFound(err) {
				return nil, nil
			} else if err != nil {
				return nil, err
			}
			return resp.DocIDs(), nil
		},
		func(ids []string) bool { return len(ids) >= min },
		opts)
}
