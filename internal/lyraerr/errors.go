// Package lyraerr defines the error taxonomy shared across the memory and
// personality subsystems. Callers branch on these with errors.As/errors.Is;
// everything else is wrapped with fmt.Errorf("...: %w", err) as usual.
package lyraerr

import (
	"errors"
	"fmt"
)

// TransientError marks a dependency failure (timeout, 429, 5xx, connection
// refused) that may succeed on retry. Callers retry with bounded backoff and
// then degrade; they never surface a TransientError to the conversation path.
type TransientError struct {
	Dependency string
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for the named dependency.
func Transient(dependency string, err error) error {
	return &TransientError{Dependency: dependency, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ValidationError marks caller input rejected before any side effect.
// Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for the named field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConsistencyError marks a broken storage invariant, e.g. more than one
// current personality row for a user. Indicates a concurrency bug; surfaced
// to operators, never auto-healed.
type ConsistencyError struct {
	UserID string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation for user %s: %s", e.UserID, e.Detail)
}

// Consistency builds a ConsistencyError for the given user.
func Consistency(userID, detail string) error {
	return &ConsistencyError{UserID: userID, Detail: detail}
}

// IsConsistency reports whether err is (or wraps) a ConsistencyError.
func IsConsistency(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

// ErrNotFound marks a lookup of a user or record that does not exist. An
// initialized user with no memories is NOT a NotFound case; it is a valid
// empty state.
var ErrNotFound = errors.New("not found")

// NotFound wraps ErrNotFound with the resource and id for context.
func NotFound(resource, id string) error {
	return fmt.Errorf("%s %s: %w", resource, id, ErrNotFound)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
