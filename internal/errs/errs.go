// Package errs defines the classified error type shared by the ingestion,
// connection and notification paths.
package errs

import (
	"errors"
	"strings"
)

// Kind classifies an error for statistics and triage.
type Kind string

const (
	KindConnection Kind = "CONNECTION_ERROR"
	KindTopicParse Kind = "TOPIC_PARSE_ERROR"
	KindJSONParse  Kind = "JSON_PARSE_ERROR"
	KindArrayParse Kind = "ARRAY_PARSE_ERROR"
	KindValidation Kind = "VALIDATION_ERROR"
	KindDispatch   Kind = "DISPATCH_ERROR"
)

// Kinds lists every error kind in reporting order.
var Kinds = []Kind{
	KindConnection,
	KindTopicParse,
	KindJSONParse,
	KindArrayParse,
	KindValidation,
	KindDispatch,
}

// Error is a classified error. Stage names the step that rejected the input
// and Reason is a short machine-checkable token such as "too_many_fields".
type Error struct {
	Kind   Kind
	Stage  string
	Reason string
	Detail string
	Err    error
}

// New returns a classified error without an underlying cause.
func New(kind Kind, stage, reason, detail string) *Error {
	return &Error{Kind: kind, Stage: stage, Reason: reason, Detail: detail}
}

// Wrap returns a classified error around err.
func Wrap(kind Kind, stage, reason string, err error) *Error {
	e := &Error{Kind: kind, Stage: stage, Reason: reason, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		b.WriteString(" [")
		b.WriteString(e.Stage)
		b.WriteString("]")
	}
	if e.Reason != "" {
		b.WriteString(" ")
		b.WriteString(e.Reason)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, and by stage and reason when the target
// sets them. This lets callers test errors.Is(err, &errs.Error{Kind: ...}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Stage != "" && t.Stage != e.Stage {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return true
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// As returns the first classified error in err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
