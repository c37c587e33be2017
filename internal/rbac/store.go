package rbac

import (
	"context"
	"time"

	"foliogate.org/internal/auth"
)

// Store describes persistence for roles, permissions and assignments.
// Mutations receive the audit entry documenting them and must persist it in
// the same transaction: first committer wins on the unique constraints, and a
// failed audit write rolls the mutation back. All reads treat an expired
// UserRole as inactive regardless of its IsActive flag.
type Store interface {
	// CreateRole inserts a role; ErrConflict on a duplicate name. When the
	// role is flagged default, the previous default is cleared inside the
	// same transaction so there is never a window with two defaults.
	CreateRole(ctx context.Context, role *Role, entry *auth.AuditEntry) error
	GetRole(ctx context.Context, roleID string) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	// UpdateRole persists the full row, clearing any other default when the
	// role is flagged default. ErrConflict on a name collision.
	UpdateRole(ctx context.Context, role *Role, entry *auth.AuditEntry) error
	// SoftDeleteRole flips IsActive off. ErrInvalidInput while the role is
	// the default or still referenced by an active, unexpired user grant.
	SoftDeleteRole(ctx context.Context, roleID string, at time.Time, entry *auth.AuditEntry) error
	ListRoles(ctx context.Context, includeInactive bool) ([]*Role, error)
	// DefaultRole returns the current default, or ErrNotFound when none.
	DefaultRole(ctx context.Context) (*Role, error)

	CreatePermission(ctx context.Context, perm *Permission, entry *auth.AuditEntry) error
	GetPermission(ctx context.Context, permissionID string) (*Permission, error)
	GetPermissionByName(ctx context.Context, name string) (*Permission, error)
	UpdatePermission(ctx context.Context, perm *Permission, entry *auth.AuditEntry) error
	// SoftDeletePermission flips IsActive off.
	SoftDeletePermission(ctx context.Context, permissionID string, at time.Time, entry *auth.AuditEntry) error
	// PurgePermission hard-deletes; ErrInvalidInput while an active
	// role-permission pairing still references the row.
	PurgePermission(ctx context.Context, permissionID string, entry *auth.AuditEntry) error
	ListPermissions(ctx context.Context, includeInactive bool) ([]*Permission, error)

	// AssignPermission activates the (role, permission) pairing, reusing a
	// previously deactivated row. ErrConflict when already active.
	AssignPermission(ctx context.Context, roleID, permissionID string, at time.Time, entry *auth.AuditEntry) error
	// RevokePermission deactivates the pairing; ErrNotFound when no active
	// pairing exists.
	RevokePermission(ctx context.Context, roleID, permissionID string, at time.Time, entry *auth.AuditEntry) error

	// AssignRole activates the (user, role) pairing — reusing a revoked row —
	// and opens the assignment record. ErrConflict when already active and
	// unexpired.
	AssignRole(ctx context.Context, ur *UserRole, rec *RoleAssignment, entry *auth.AuditEntry) error
	// RevokeRole deactivates the pairing and closes its open assignment
	// record. ErrNotFound when no active pairing exists.
	RevokeRole(ctx context.Context, userID, roleID string, opts RevokeOptions, at time.Time, entry *auth.AuditEntry) error
	AssignmentHistory(ctx context.Context, userID string) ([]*RoleAssignment, error)

	UserExists(ctx context.Context, userID string) (bool, error)
	// UserAccess aggregates roles and permissions across chains where every
	// link is active: UserRole (unexpired) -> Role -> RolePermission ->
	// Permission.
	UserAccess(ctx context.Context, userID string, now time.Time) (Access, error)
	// RolesGranting names the active roles through which the user holds the
	// permission, using the same chain rule.
	RolesGranting(ctx context.Context, userID, permissionName string, now time.Time) ([]string, error)
}
