package rbac

import "time"

// Role groups permissions under a name. Roles are soft-deleted: IsActive is
// flipped off and the row retained for audit history. At most one role is the
// platform default at any time.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a fine-grained capability on a resource.
type Permission struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RolePermission links a role to a permission. The pair is unique; revoking
// deactivates the row and a later re-grant reactivates it.
type RolePermission struct {
	RoleID       string    `json:"role_id"`
	PermissionID string    `json:"permission_id"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserRole links a user to a role, optionally time-bounded. The (user, role)
// pair is unique for all time: re-granting a revoked role updates the
// existing row instead of inserting a duplicate. An expired row counts as
// inactive for every resolution path even before IsActive is flipped.
type UserRole struct {
	UserID    string     `json:"user_id"`
	RoleID    string     `json:"role_id"`
	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Expired reports whether the grant's time bound has passed.
func (ur *UserRole) Expired(now time.Time) bool {
	return ur.ExpiresAt != nil && !now.Before(*ur.ExpiresAt)
}

// RoleAssignment is the append-style record of one grant lifecycle: who
// assigned, why, the optional expiry, and on revocation who revoked and why.
type RoleAssignment struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	RoleID       string     `json:"role_id"`
	AssignedBy   string     `json:"assigned_by,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	AssignedAt   time.Time  `json:"assigned_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RevokedBy    string     `json:"revoked_by,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// Access is a user's resolved role and permission sets.
type Access struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Decision answers a point permission check.
type Decision struct {
	Granted   bool     `json:"granted"`
	GrantedBy []string `json:"granted_by,omitempty"`
}

// BulkFailure records one per-item problem inside a bulk call.
type BulkFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BulkResult reports a bulk call's partial outcome. Per-item failures are
// collected here, never raised as errors.
type BulkResult struct {
	SuccessCount int           `json:"success_count"`
	Failures     []BulkFailure `json:"failures,omitempty"`
}

// RoleInput is the payload for CreateRole.
type RoleInput struct {
	Name        string
	Description string
	IsDefault   bool
}

// RoleUpdate carries partial role mutations; nil fields are left untouched.
type RoleUpdate struct {
	Name        *string
	Description *string
	IsActive    *bool
	IsDefault   *bool
}

// PermissionInput is the payload for CreatePermission.
type PermissionInput struct {
	Name     string
	Resource string
	Action   string
}

// PermissionUpdate carries partial permission mutations.
type PermissionUpdate struct {
	Name     *string
	Resource *string
	Action   *string
	IsActive *bool
}

// AssignOptions annotate a role grant.
type AssignOptions struct {
	AssignedBy string
	Reason     string
	ExpiresAt  *time.Time
}

// RevokeOptions annotate a role revocation.
type RevokeOptions struct {
	RevokedBy string
	Reason    string
}
