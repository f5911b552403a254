package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the recommendation and inventory flows.
var (
	// ErrEmbeddingUnavailable means the external embedding provider failed.
	// Fatal to the recommendation call; never defaulted away.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrNotFound means a referenced claim, part, ticket, or request is absent.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientStock means available stock cannot cover a reservation.
	// Not retryable without new stock.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInsufficientReserved means a consume exceeds the reserved quantity.
	ErrInsufficientReserved = errors.New("insufficient reserved stock")

	// ErrBusy means transient lock contention; safe to retry with backoff.
	ErrBusy = errors.New("busy")

	// ErrSnapshotExists means a job already carries an accepted
	// recommendation snapshot; snapshots are write-once.
	ErrSnapshotExists = errors.New("recommendation snapshot already written")
)

// Sentinel errors for ingestion-time validation.
var (
	ErrEmptyClaimID             = errors.New("empty claim id")
	ErrEmptyPartDict            = errors.New("empty part dict")
	ErrEmptyPartNumber          = errors.New("empty part number")
	ErrInvalidQuantity          = errors.New("quantity must be >= 1")
	ErrBadEmbeddingSize         = errors.New("embedding has wrong dimension")
	ErrEmptySymptom             = errors.New("empty symptom text")
	ErrInvalidQuantityRequested = errors.New("requested quantity must be >= 1")
)

// ValidationError wraps a sentinel with the offending field and value.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// OpError carries the operation and key that failed, so callers can act on
// ledger and store failures without string matching.
type OpError struct {
	Op      string // e.g. "inventory.reserve"
	Key     string // part number, claim id, ...
	Wrapped error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Key, e.Wrapped)
}

func (e *OpError) Unwrap() error { return e.Wrapped }

// NewOpError creates an OpError.
func NewOpError(op, key string, wrapped error) *OpError {
	return &OpError{Op: op, Key: key, Wrapped: wrapped}
}
