package auth

import "time"

// User is an identity record. Users are deactivated, never physically deleted.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	IsActive     bool      `json:"is_active"`
	IsVerified   bool      `json:"is_verified"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session is one issued refresh token. The raw secret is never stored; only
// its SHA-256 hash. A session is single-use: rotation or logout stamps
// RevokedAt, and a revoked session can never be presented again.
type Session struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	TokenHash    string     `json:"-"`
	UserAgent    string     `json:"user_agent,omitempty"`
	IP           string     `json:"ip,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	ReplacedByID string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Live reports whether the session can still be presented at instant now.
func (s *Session) Live(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// TokenPair carries one access/refresh token issuance.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// RegisterInput is the payload accepted by Service.Register.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	UserAgent string
	IP        string
}

// AuditEntry is one immutable record of a security-relevant mutation. Entries
// are appended inside the same transaction as the mutation they document and
// are never updated afterwards.
type AuditEntry struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	ActorID    string            `json:"actor_id,omitempty"`
	Action     string            `json:"action"`
	Resource   string            `json:"resource"`
	ResourceID string            `json:"resource_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AuditFilter narrows AuditStore.List results.
type AuditFilter struct {
	ActorID    string
	Resource   string
	ResourceID string
	Limit      int
}
