package chatsync

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinels
// ============================================================================

var (
	// ErrNoToken is returned when a connection or request is attempted without credentials.
	ErrNoToken = errors.New("no access token")
	// ErrTokenExpired is returned when the bearer token's exp claim is in the past.
	ErrTokenExpired = errors.New("access token expired")
	// ErrNotConnected is returned by hub commands issued while the hub is down.
	ErrNotConnected = errors.New("not connected")
	// ErrInvokeTimeout is returned when a hub command is not acknowledged in time.
	ErrInvokeTimeout = errors.New("invoke timeout")
	// ErrQueryCancelled is returned when a fetch completed after its key was
	// cancelled or the cache was cleared.
	ErrQueryCancelled = errors.New("query cancelled")
	// ErrUserMismatch is returned when the hub authenticates a different user.
	ErrUserMismatch = errors.New("authenticated user mismatch")
)

// ============================================================================
// Typed errors
// ============================================================================

// AuthError reports a missing or rejected token at connection time.
// It is terminal for that attempt and never retried by the transport.
type AuthError struct {
	Hub string
	Err error
}

func (e *AuthError) Error() string {
	if e.Hub == "" {
		return fmt.Sprintf("auth: %v", e.Err)
	}
	return fmt.Sprintf("auth %s: %v", e.Hub, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError reports a dial, read or write failure on a hub or HTTP call.
type TransportError struct {
	Hub string
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Hub == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Hub, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MutationError reports a failed send, delete, mark-read or friend-request
// mutation. By the time it is returned the optimistic cache write has
// already been rolled back.
type MutationError struct {
	Op  string
	Key Key
	Err error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
