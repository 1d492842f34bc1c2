package store

import (
	"errors"
	"fmt"
)

// Common store errors.
var (
	// ErrNotFound indicates the requested key does not exist (or has expired).
	ErrNotFound = errors.New("key not found")

	// ErrConnection indicates a connection problem with the backing store.
	ErrConnection = errors.New("store connection error")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// NotFoundError wraps ErrNotFound with the missing key.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a typed not found error.
func NewNotFoundError(key string) error {
	return &NotFoundError{Key: key}
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConnection checks if an error is a connection error.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}
