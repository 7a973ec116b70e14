// Package memerr defines the closed error taxonomy shared by every engine.
//
// Engines wrap storage and provider failures into one of the kinds below;
// transports map kinds to status codes. Best-effort dependencies (embedding,
// judge) are recovered inside the engines and never propagate past them.
package memerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the service taxonomy.
type Kind int

const (
	KindUnknown Kind = iota

	// KindNotFound indicates a missing fact, conversation, branch or snapshot.
	KindNotFound

	// KindInvalidArgument indicates a bad branch name, ordering or range.
	KindInvalidArgument

	// KindConflict indicates a native merge attempted without a conflict policy.
	KindConflict

	// KindPreconditionFailed indicates an operation whose preconditions do not
	// hold, such as task consolidation without observations or a failing
	// merge gate.
	KindPreconditionFailed

	// KindBackendUnavailable indicates a storage or provider I/O failure.
	KindBackendUnavailable

	// KindEmbeddingUnavailable indicates the embedding provider failed.
	// Writes proceed with a null embedding; this kind never crosses an
	// engine boundary.
	KindEmbeddingUnavailable

	// KindJudgeUnavailable indicates the LLM judge failed; heuristic
	// fallback applies. Never crosses an engine boundary.
	KindJudgeUnavailable

	// KindFatal indicates an invariant violation, such as the branch
	// registry being out of sync with the storage.
	KindFatal
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindConflict:
		return "conflict"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindEmbeddingUnavailable:
		return "embedding_unavailable"
	case KindJudgeUnavailable:
		return "judge_unavailable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error carried across engine boundaries.
type Error struct {
	// Kind is the taxonomy classification.
	Kind Kind

	// Op names the failing operation, e.g. "branch.create".
	Op string

	// Field names the offending field for invalid-argument errors.
	Field string

	// Msg is a human-readable message.
	Msg string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Field != "" {
		s += " (" + e.Field + ")"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps a cause into the given kind, preserving the chain.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NotFound reports a missing entity by type and identifier.
func NotFound(op, entity, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf("%s %q not found", entity, id)}
}

// InvalidArgument reports a bad field value.
func InvalidArgument(op, field, msg string) *Error {
	return &Error{Kind: KindInvalidArgument, Op: op, Field: field, Msg: msg}
}

// KindOf extracts the taxonomy kind from an error chain.
// Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether the error chain contains a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsInvalidArgument reports whether the error chain contains an
// invalid-argument error.
func IsInvalidArgument(err error) bool { return KindOf(err) == KindInvalidArgument }

// IsConflict reports whether the error chain contains a conflict error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsPreconditionFailed reports whether the error chain contains a
// precondition failure.
func IsPreconditionFailed(err error) bool { return KindOf(err) == KindPreconditionFailed }

// HTTPStatus maps an error chain to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
