package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means a reply or action referenced a message the relay
	// has no record of.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey means the transport handed out a relayed message id
	// that is already stored. It indicates identifier reuse by the platform.
	ErrDuplicateKey = errors.New("duplicate relayed message id")

	// ErrInvalidTransition means a ticket was not PENDING when an approve,
	// discard, or create was attempted.
	ErrInvalidTransition = errors.New("invalid ticket transition")

	// ErrStorageUnavailable wraps database failures. While the store is
	// unavailable no new correlation entries are created.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// RelayError adds the failing operation and key to one of the sentinel
// errors above.
type RelayError struct {
	Op  string // e.g. "resolve", "approve"
	Key string // relayed message id, ticket id, or user id
	Err error
}

func (e *RelayError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("relay: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("relay: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

func opError(op, key string, err error) error {
	return &RelayError{Op: op, Key: key, Err: err}
}

// storageError marks err as ErrStorageUnavailable while keeping the
// driver error in the chain.
func storageError(op, key string, err error) error {
	return opError(op, key, fmt.Errorf("%w: %w", ErrStorageUnavailable, err))
}
