package auth

import "errors"

var (
	// ErrNotFound indicates the referenced entity is absent or inactive.
	ErrNotFound = errors.New("auth: not found")
	// ErrConflict indicates a uniqueness or duplicate-state violation.
	ErrConflict = errors.New("auth: conflict")
	// ErrInvalidInput indicates the request violates a structural invariant,
	// e.g. deleting a role that is still referenced.
	ErrInvalidInput = errors.New("auth: invalid input")
	// ErrUnauthorized covers bad credentials and invalid, expired or revoked
	// tokens. Callers must not be able to distinguish unknown email from a
	// password mismatch.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrTokenReplayed is returned when an already-rotated refresh token is
	// presented again. It wraps ErrUnauthorized but is surfaced distinctly so
	// downstream policy can react to a suspected compromise.
	ErrTokenReplayed = errors.New("auth: refresh token replayed")
	// ErrUnavailable indicates a retryable infrastructure failure such as a
	// transaction timeout, not a domain error.
	ErrUnavailable = errors.New("auth: temporarily unavailable")
)

// IsAuthFailure reports whether err belongs to the unauthorized family,
// including replay detection.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrTokenReplayed)
}
