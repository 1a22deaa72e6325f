package retrieval

import (
	"errors"
	"fmt"
)

// Kind classifies a retrieval failure.
type Kind string

const (
	// KindInvalidRequest is a caller error, rejected before any I/O.
	KindInvalidRequest Kind = "invalid_request"

	// KindEmbeddingFailure means no vector could be produced for the query.
	KindEmbeddingFailure Kind = "embedding_failure"

	// KindStoreUnavailable means the corpus cannot be reached.
	KindStoreUnavailable Kind = "store_unavailable"

	// KindRerankerUnavailable means the reranking model could not score the
	// candidates. The pipeline absorbs it and marks the response degraded.
	KindRerankerUnavailable Kind = "reranker_unavailable"

	// KindTimeout means the request exceeded its deadline.
	KindTimeout Kind = "timeout"

	// KindEvaluationQueryFailure marks one evaluation query that failed. It
	// is recorded in the report and excluded from aggregates.
	KindEvaluationQueryFailure Kind = "evaluation_query_failure"
)

// Fatal reports whether a failure of this kind aborts the current request.
func (k Kind) Fatal() bool {
	switch k {
	case KindRerankerUnavailable, KindEvaluationQueryFailure:
		return false
	default:
		return true
	}
}

// Error is a classified retrieval failure carrying a human-readable reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

// NewError creates a classified error.
func NewError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidRequest         = &Error{Kind: KindInvalidRequest, Reason: "invalid request"}
	ErrEmbeddingFailure       = &Error{Kind: KindEmbeddingFailure, Reason: "embedding failure"}
	ErrStoreUnavailable       = &Error{Kind: KindStoreUnavailable, Reason: "store unavailable"}
	ErrRerankerUnavailable    = &Error{Kind: KindRerankerUnavailable, Reason: "reranker unavailable"}
	ErrTimeout                = &Error{Kind: KindTimeout, Reason: "timeout"}
	ErrEvaluationQueryFailure = &Error{Kind: KindEvaluationQueryFailure, Reason: "evaluation query failure"}
)

// KindOf returns the kind of a classified error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the human-readable reason of a classified error, or
// err.Error() for anything else.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return err.Error()
}

func invalidRequest(format string, args ...any) *Error {
	return NewError(KindInvalidRequest, fmt.Sprintf(format, args...), nil)
}
