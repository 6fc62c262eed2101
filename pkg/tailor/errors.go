package tailor

import (
	"errors"
	"strings"

	"github.com/hyperengineering/tailor/internal/validation"
)

// Error kinds. Every typed error below matches exactly one of these with errors.Is.
var (
	ErrAuth         = errors.New("authentication failed")
	ErrSubscription = errors.New("subscription failed")
	ErrValidation   = errors.New("validation failed")
	ErrWrite        = errors.New("write failed")
)

var (
	// ErrNotAuthenticated is the cause of a WriteFailure issued without an identity.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrDisposed is returned by operations on a disposed engine.
	ErrDisposed = errors.New("engine is disposed")
	// ErrNotStarted is returned by operations that need a running engine.
	ErrNotStarted = errors.New("engine is not started")
)

// AuthFailure reports that no identity could be established.
type AuthFailure struct {
	Err error
}

func (e *AuthFailure) Error() string { return "authentication failed: " + e.Err.Error() }

func (e *AuthFailure) Unwrap() error { return e.Err }

func (e *AuthFailure) Is(target error) bool { return target == ErrAuth }

// SubscriptionError reports that a live subscription broke.
type SubscriptionError struct {
	Identity Identity
	Err      error
}

func (e *SubscriptionError) Error() string { return "subscription failed: " + e.Err.Error() }

func (e *SubscriptionError) Unwrap() error { return e.Err }

func (e *SubscriptionError) Is(target error) bool { return target == ErrSubscription }

// ValidationFailure reports missing or malformed record fields.
// No network call is made when it is returned.
type ValidationFailure struct {
	Errors []validation.ValidationError
}

func (e *ValidationFailure) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+" "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationFailure) Is(target error) bool { return target == ErrValidation }

// WriteFailure reports that a record was not created.
type WriteFailure struct {
	Err error
}

func (e *WriteFailure) Error() string { return "write failed: " + e.Err.Error() }

func (e *WriteFailure) Unwrap() error { return e.Err }

func (e *WriteFailure) Is(target error) bool { return target == ErrWrite }
