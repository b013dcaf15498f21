package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy.
var (
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrNotificationUnavailable = errors.New("notification channel unavailable")
	ErrEmbeddingUnavailable    = errors.New("embedding service unavailable")
	ErrDimensionMismatch       = errors.New("embedding dimension mismatch")
	ErrNotFound                = errors.New("not found")
	ErrMalformedCandidate      = errors.New("malformed candidate")
	ErrInvalidArgument         = errors.New("invalid argument")
)

// DimensionError reports a query vector whose length differs from the
// deployment's embedding dimension.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: want %d, got %d", ErrDimensionMismatch, e.Want, e.Got)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }

// MissingFieldError reports a payload that lacks a required field or carries
// it with the wrong type.
type MissingFieldError struct {
	ID    string
	Field string
	Cause string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s %s: field %q %s", ErrMalformedCandidate, e.ID, e.Field, e.Cause)
}

func (e *MissingFieldError) Unwrap() error { return ErrMalformedCandidate }

// Kind is the coarse classification surfaced to callers.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindDimension
	KindUnavailable
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindDimension:
		return "dimension_mismatch"
	case KindUnavailable:
		return "unavailable"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Classify maps err onto a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrDimensionMismatch):
		return KindDimension
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalid
	case IsTransient(err):
		return KindUnavailable
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// IsTransient reports whether err is worth retrying at the caller.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrNotificationUnavailable) ||
		errors.Is(err, ErrEmbeddingUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// OpError is the single structured error returned to synchronous callers.
type OpError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// NewOpError wraps err with its classification.
func NewOpError(op string, err error) *OpError {
	return &OpError{Op: op, Kind: Classify(err), Err: err}
}

// EmbeddingFailed wraps an embedding service failure so that it is treated as
// transient.
func EmbeddingFailed(op string, cause error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrEmbeddingUnavailable, cause)
}

// Unavailable wraps cause so that it matches ErrStoreUnavailable.
func Unavailable(op string, cause error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, cause)
}
