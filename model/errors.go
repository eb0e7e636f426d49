package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidValue is returned when a value assigned to a property fails
	// the property's type or range checks.
	ErrInvalidValue = errors.New("arbor: invalid value for property")

	// ErrMissingValue is returned at store time when a required property has
	// no value.
	ErrMissingValue = errors.New("arbor: required property has no value")

	// ErrReadOnly is returned when assigning to a computed property.
	ErrReadOnly = errors.New("arbor: property is read only")

	// ErrUnknownKind is returned when a key's kind has no registered model.
	ErrUnknownKind = errors.New("arbor: no model registered for kind")

	// ErrUnknownProperty is returned when getting or setting a property the
	// model does not declare.
	ErrUnknownProperty = errors.New("arbor: unknown property")

	// ErrIncompleteKey is returned when an incomplete key is passed to an
	// operation that requires a stored entity.
	ErrIncompleteKey = errors.New("arbor: incomplete key")

	// ErrAdapterMismatch is returned when one batch call mixes keys or
	// entities that resolve to different adapters.
	ErrAdapterMismatch = errors.New("arbor: batch mixes multiple adapters")

	// ErrNoAdapter is returned when no adapter is configured for a model and
	// no default adapter has been set.
	ErrNoAdapter = errors.New("arbor: no adapter configured")
)

// TransactionError is the base interface of the transaction error hierarchy.
// Both TransactionFailedError and RetriesExceededError implement it.
type TransactionError interface {
	error
	transactionError()
}

// TransactionFailedError signals that a transaction could not be committed,
// usually because the backend detected a write conflict. The transactional
// wrapper retries the enclosing function when it sees this error.
type TransactionFailedError struct {
	Message string
	Cause   error
}

func (e *TransactionFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("arbor: transaction failed: %s: %v", e.Message, e.Cause)
	}
	return "arbor: transaction failed: " + e.Message
}

func (e *TransactionFailedError) Unwrap() error { return e.Cause }

func (e *TransactionFailedError) transactionError() {}

// RetriesExceededError is returned by RunInTransaction when the retry budget
// is exhausted. Cause holds the last conflict.
type RetriesExceededError struct {
	Cause error
}

func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("arbor: transaction retries exceeded: %v", e.Cause)
}

func (e *RetriesExceededError) Unwrap() error { return e.Cause }

func (e *RetriesExceededError) transactionError() {}
