package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a placeholder absent from the session.
	ErrNotFound = errors.New("placeholder not found")

	// ErrDuplicatePlaceholder indicates an attempt to overwrite an entry.
	ErrDuplicatePlaceholder = errors.New("duplicate placeholder")

	// ErrTokenExhausted indicates that placeholder generation kept colliding.
	ErrTokenExhausted = errors.New("placeholder generation exhausted retries")

	// ErrVaultNotFound indicates a session with no persisted vault.
	ErrVaultNotFound = errors.New("vault not found")

	// ErrCorruptVault indicates persisted data that failed schema validation.
	ErrCorruptVault = errors.New("corrupt vault")

	// ErrInvalidSession indicates a malformed session id.
	ErrInvalidSession = errors.New("invalid session id")
)

// SessionError attaches the session id to a vault failure.
type SessionError struct {
	ID  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("vault session %q: %v", e.ID, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func corrupt(id, format string, args ...any) error {
	return &SessionError{ID: id, Err: fmt.Errorf("%w: %s", ErrCorruptVault, fmt.Sprintf(format, args...))}
}
