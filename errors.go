package couchdb

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/xerrors"
)

// Error represents API-level errors, reported by CouchDB as
//
//	{"error": <ErrorCode>, "reason": <Reason>}
type Error struct {
	Method     string // HTTP method of the request
	URL        string // HTTP URL of the request
	StatusCode int    // HTTP status code of the response

	// These two fields will be empty for HEAD requests.
	ErrorCode string // Error reason provided by CouchDB
	Reason    string // Error message provided by CouchDB
}

func (e *Error) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("%v %v: %v", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%v %v: (%v) %v: %v",
		e.Method, e.URL, e.StatusCode, e.ErrorCode, e.Reason)
}

// ErrDesignNotFound is returned by a DesignSource for names it has no
// definition for.
var ErrDesignNotFound = errors.New("couchdb: design definition not found")

// NotFound checks whether the given errors is a DatabaseError
// with StatusCode == 404, or a missing local design definition.
// This is useful for conditional creation of databases and documents.
func NotFound(err error) bool {
	return ErrorStatus(err, http.StatusNotFound) || xerrors.Is(err, ErrDesignNotFound)
}

// Unauthorized checks whether the given error is a DatabaseError
// with StatusCode == 401.
func Unauthorized(err error) bool {
	return ErrorStatus(err, http.StatusUnauthorized)
}

// Conflict checks whether the given error is a DatabaseError
// with StatusCode == 409.
func Conflict(err error) bool {
	return ErrorStatus(err, http.StatusConflict)
}

// ErrorStatus checks whether the given error is a DatabaseError
// with a matching statusCode. Wrapped errors are unwrapped.
func ErrorStatus(err error, statusCode int) bool {
	var dberr *Error
	return xerrors.As(err, &dberr) && dberr.StatusCode == statusCode
}

// ValidationError reports a malformed local request. It is returned
// before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "couchdb: invalid request: " + e.Reason
	}
	return fmt.Sprintf("couchdb: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return xerrors.As(err, &verr)
}

// ShapeError is returned when a view result cannot be read as the
// requested single value.
type ShapeError struct {
	Want string // requested Go type
	Got  string // what the response held
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("couchdb: view result is %s, want single %s", e.Got, e.Want)
}

// ErrCanceled is matched by errors returned from Await when the
// context ends before the condition holds or the timeout elapses.
var ErrCanceled = errors.New("couchdb: wait canceled")

type canceledError struct {
	cause error
}

func (e *canceledError) Error() string { return ErrCanceled.Error() + ": " + e.cause.Error() }

func (e *canceledError) Is(target error) bool { return target == ErrCanceled }

func (e *canceledError) Unwrap() error { return e.cause }
