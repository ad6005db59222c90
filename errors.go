package auditrag

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrParse is returned when document parsing fails.
	ErrParse = errors.New("auditrag: document parsing failed")

	// ErrChunk is returned when chunking produces no usable chunks.
	ErrChunk = errors.New("auditrag: chunking failed")

	// ErrEmbedding is returned when embedding generation fails.
	ErrEmbedding = errors.New("auditrag: embedding generation failed")

	// ErrVectorStore is returned for vector index load/save/search failures.
	ErrVectorStore = errors.New("auditrag: vector store operation failed")

	// ErrGraphStore is returned for knowledge graph load/save failures.
	ErrGraphStore = errors.New("auditrag: graph store operation failed")

	// ErrRegistry is returned for document registry failures.
	ErrRegistry = errors.New("auditrag: document registry operation failed")

	// ErrRerank is returned when the rerank provider fails.
	ErrRerank = errors.New("auditrag: rerank failed")

	// ErrProviderTimeout is returned when an upstream provider times out.
	ErrProviderTimeout = errors.New("auditrag: provider timed out")

	// ErrLLM is returned when an LLM request fails.
	ErrLLM = errors.New("auditrag: LLM request failed")

	// ErrCancelled is returned when the caller cancelled the operation.
	ErrCancelled = errors.New("auditrag: operation cancelled")

	// ErrBadRequest is returned for invalid caller input.
	ErrBadRequest = errors.New("auditrag: bad request")

	// ErrNotFound is returned when a document or node does not exist.
	ErrNotFound = errors.New("auditrag: not found")

	// ErrConflict is returned when an operation conflicts with current state.
	ErrConflict = errors.New("auditrag: conflict")
)

// Error is the structured error carried across component boundaries.
// Kind is one of the sentinel errors above, so callers can match with
// errors.Is(err, ErrParse) regardless of wrapping depth.
type Error struct {
	Kind      error
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target matches this error's kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

// NewError creates an Error of the given kind.
func NewError(kind error, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WrapError creates an Error of the given kind wrapping a cause.
func WrapError(kind error, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// RetryableError creates a retryable Error of the given kind.
func RetryableError(kind error, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause, Retryable: true}
}

// KindOf returns the sentinel kind of err, or nil when err carries no kind.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// IsRetryable reports whether err (or any wrapped error) is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// classifyStageErr wraps a pipeline stage failure with the component
// kind, unless the context ended the operation: cancellation and
// deadline expiry win so every stage reports them uniformly.
func classifyStageErr(err error, kind error, msg string) error {
	switch {
	case errors.Is(err, context.Canceled):
		return WrapError(ErrCancelled, msg, err)
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(ErrProviderTimeout, msg, err)
	default:
		return WrapError(kind, msg, err)
	}
}
