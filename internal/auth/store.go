package auth

import (
	"context"
	"time"
)

// Store describes persistence required by the authenticator. Implementations
// must persist the audit entry passed to a mutation atomically with the
// mutation itself: a failed audit write rolls the whole operation back.
type Store interface {
	Users() UserStore
	Sessions() SessionStore
	Audit() AuditStore
}

// UserStore manages identity records.
type UserStore interface {
	// Create inserts a new user. Returns ErrConflict when the email is
	// already taken; the store's unique index is authoritative.
	Create(ctx context.Context, u *User, entry *AuditEntry) error
	Find(ctx context.Context, id string) (*User, error)
	// FindByEmail matches case-insensitively on the normalized email.
	FindByEmail(ctx context.Context, email string) (*User, error)
	// UpdateProfile mutates profile fields only (names, verified flag).
	UpdateProfile(ctx context.Context, u *User, entry *AuditEntry) error
	UpdatePassword(ctx context.Context, userID, passwordHash string, entry *AuditEntry) error
	// Deactivate soft-deletes the user. Returns ErrNotFound for unknown ids.
	Deactivate(ctx context.Context, userID string, entry *AuditEntry) error
}

// SessionStore is the refresh-token registry.
type SessionStore interface {
	Create(ctx context.Context, s *Session, entry *AuditEntry) error
	Find(ctx context.Context, id string) (*Session, error)
	// Claim atomically revokes a live session, recording the id of the
	// session rotated in over it. It reports false when the session was
	// already revoked or does not exist; of two concurrent claims exactly
	// one observes true. This conditional update, not an application-level
	// check-then-act, is what closes the rotation race.
	Claim(ctx context.Context, id, replacedByID string, at time.Time, entry *AuditEntry) (bool, error)
	// Revoke stamps RevokedAt; revoking an already-revoked session is a
	// no-op, not an error.
	Revoke(ctx context.Context, id string, at time.Time, entry *AuditEntry) error
	// RevokeAllForUser revokes every live session the user holds and returns
	// how many were affected.
	RevokeAllForUser(ctx context.Context, userID string, at time.Time, entry *AuditEntry) (int, error)
	ListActive(ctx context.Context, userID string, now time.Time) ([]*Session, error)
}

// AuditStore appends immutable entries and serves the read path.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, f AuditFilter) ([]*AuditEntry, error)
}
