package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures. The values double as API error codes.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindBadRequest Kind = "bad_request"
	KindConflict   Kind = "conflict"
	KindForbidden  Kind = "forbidden"
	KindInternal   Kind = "internal_error"
)

type details = map[string]any

// Error is returned for every rejected operation. Anything else escaping the
// engine is an internal failure.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf returns the Kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

func newErr(kind Kind, msg string, d details) *Error {
	return &Error{Kind: kind, Message: msg, Details: d}
}

func notFound(msg string, d details) error     { return newErr(KindNotFound, msg, d) }
func badRequest(msg string, d details) error   { return newErr(KindBadRequest, msg, d) }
func conflictErr(msg string, d details) error  { return newErr(KindConflict, msg, d) }
func forbiddenErr(msg string, d details) error { return newErr(KindForbidden, msg, d) }
