package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for reads and deletes of unknown entities.
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable wraps failures of the durable backing store.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// AuthError reports a bad or expired credential at handshake.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConflictError reports a mutation referencing a nonexistent item or bucket,
// or one whose assumptions were invalidated by a racing mutation.
type ConflictError struct {
	Entity string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s %s: %s", e.Entity, e.ID, e.Reason)
}

// TransportError reports a failed write to a client socket.
type TransportError struct {
	ConnectionID string
	Err          error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: connection %s: %v", e.ConnectionID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError reports a malformed command or inbound frame.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Conflict(entity, id, reason string) error {
	return &ConflictError{Entity: entity, ID: id, Reason: reason}
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
