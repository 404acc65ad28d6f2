// Package common defines shared constants and sentinel errors used across
// the sync server, its transports and the control CLI. Callers should use
// errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")
	ErrorValidation   = errors.New("validation error")

	// Auth errors (invalid or malformed host key).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// Session manager misuse.
	ErrSessionNotFound  = errors.New("session not found")
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrOpen is fatal to the session that hit it: the collection store could
	// not be acquired (missing, corrupt or locked by another process).
	ErrOpen = errors.New("collection open error")

	// Dispatch errors. The session stays usable after any of these.
	ErrUnknownOperation   = errors.New("unknown operation")
	ErrAlreadyFinished    = errors.New("sync already finished")
	ErrNotStarted         = errors.New("no sync in progress")
	ErrNonMonotonic       = errors.New("usn must not decrease")
	ErrConflictResolution = errors.New("conflict cannot be resolved")
)
