// Package apperr defines the coordinator's error taxonomy and the HTTP
// status each kind maps to, so handlers don't need a type switch per
// endpoint.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the failure modes named in the coordinator's error
// handling design. DuplicateDetected is a normal outcome, not a bug; the
// rest abort the enclosing transaction.
type Kind int

const (
	// InvalidFormat means the client supplied a file_format outside the
	// allowed set.
	InvalidFormat Kind = iota + 1
	// WorkNotFound means no storage entry exists for the requested id.
	WorkNotFound
	// JobNotFound means no dispatch or job row matches.
	JobNotFound
	// NotAuthorized means the presented report_code doesn't match.
	NotAuthorized
	// AlreadyReported means the dispatch's failure was already recorded.
	AlreadyReported
	// ObjectNotFound means the unfetched object_id is unknown.
	ObjectNotFound
	// DuplicateDetected means the new bytes are identical to HEAD.
	DuplicateDetected
	// TooManyIterations means a delta chain exceeded the reconstruction guard.
	TooManyIterations
)

// status maps each Kind to its default HTTP status code.
var status = map[Kind]int{
	InvalidFormat:     http.StatusBadRequest,
	WorkNotFound:      http.StatusNotFound,
	JobNotFound:       http.StatusNotFound,
	NotAuthorized:     http.StatusForbidden,
	AlreadyReported:   http.StatusConflict,
	ObjectNotFound:    http.StatusNotFound,
	DuplicateDetected: http.StatusOK, // handled locally, never surfaced as an error status
	TooManyIterations: http.StatusInternalServerError,
}

func (k Kind) String() string {
	switch k {
	case InvalidFormat:
		return "invalid_format"
	case WorkNotFound:
		return "work_not_found"
	case JobNotFound:
		return "job_not_found"
	case NotAuthorized:
		return "not_authorized"
	case AlreadyReported:
		return "already_reported"
	case ObjectNotFound:
		return "object_not_found"
	case DuplicateDetected:
		return "duplicate_detected"
	case TooManyIterations:
		return "too_many_iterations"
	default:
		return "unknown"
	}
}

// Error is a kinded error carrying its own HTTP status, following the
// teacher's statusErr pattern so the HTTP layer can recover a status with a
// single errors.As instead of per-endpoint switches.
type Error struct {
	Kind Kind
	msg  string
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.msg == "" {
		return e.Kind.String()
	}
	return e.msg
}

// Status returns the HTTP status code this error should surface as.
func (e *Error) Status() int {
	if s, ok := status[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Is reports whether err, or any error it wraps, is an *Error of the given
// Kind (matched with errors.As).
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
