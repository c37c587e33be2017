package pg

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"foliogate.org/internal/auth"
	"foliogate.org/internal/rbac"
)

var _ rbac.Store = (*Store)(nil)

// roles ----------------------------------------------------------------------

func (s *Store) CreateRole(ctx context.Context, role *rbac.Role, entry *auth.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if role.IsDefault {
			if err := clearDefault(ctx, tx, role.ID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			insert into roles (id, name, description, is_active, is_default, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, role.ID, role.Name, role.Description, role.IsActive, role.IsDefault, role.CreatedAt, role.UpdatedAt)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return auth.ErrConflict
			}
			return err
		}
		return insertAudit(ctx, tx, entry)
	})
}

// clearDefault demotes any other default role so the partial unique index on
// roles(is_default) never trips.
func clearDefault(ctx context.Context, tx *sql.Tx, exceptID string) error {
	_, err := tx.ExecContext(ctx, `
		update roles set is_default = false, updated_at = now()
		where is_default = true and id <> $1
	`, exceptID)
	return err
}

const roleColumns = `id, name, description, is_active, is_default, created_at, updated_at`

func scanRole(row *sql.Row) (*rbac.Role, error) {
	var r rbac.Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.IsActive, &r.IsDefault, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetRole(ctx context.Context, roleID string) (*rbac.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where id = $1`, roleID))
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (*rbac.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where name = $1`, name))
}

func (s *Store) UpdateRole(ctx context.Context, role *rbac.Role, entry *auth.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if role.IsDefault {
			if err := clearDefault(ctx, tx, role.ID); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `
			update roles
			set name = $2, description = $3, is_active = $4, is_default = $5, updated_at = $6
			where id = $1
		`, role.ID, role.Name, role.Description, role.IsActive, role.IsDefault, role.UpdatedAt)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return auth.ErrConflict
			}
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return auth.ErrNotFound
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) SoftDeleteRole(ctx context.Context, roleID string, at time.Time, entry *auth.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var refs int
		err := tx.QueryRowContext(ctx, `
			select count(*) from user_roles
			where role_id = $1 and is_active = true
			  and (expires_at is null or expires_at > $2)
		`, roleID, at).Scan(&refs)
		if err != nil {
			return err
		}
		if refs > 0 {
			return auth.ErrInvalidInput
		}
		res, err := tx.ExecContext(ctx, `
			update roles set is_active = false, updated_at = $2
			where id = $1 and is_default = false
		`, roleID, at)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return auth.ErrNotFound
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) ListRoles(ctx context.Context, includeInactive bool) ([]*rbac.Role, error) {
	query := `select ` + roleColumns + ` from roles`
	if !includeInactive {
		query += ` where is_active = true`
	}
	query += ` order by name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*rbac.Role
	for rows.Next() {
		var r rbac.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.IsActive, &r.IsDefault,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) DefaultRole(ctx context.Context) (*rbac.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where is_default = true and is_active = true`))
}

// permissions ----------------------------------------------------------------

const permColumns = `id, name, resource, action, is_active, created_at, updated_at`

func scanPermission(row *sql.Row) (*rbac.Permission, error) {
	var p rbac.Permission
	err := row.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreatePermission(ctx context.Context, perm *rbac.Permission, entry *auth.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into permissions (id, name, resource, action, is_active, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, perm.ID, perm.Name, perm.Resource, perm.Action, perm.IsActive, perm.CreatedAt, perm.UpdatedAt)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return auth.ErrConflict
			}
			return err
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) GetPermission(ctx context.Context, permissionID string) (*rbac.Permission, error) {
	return scanPermission(s.db.QueryRowContext(ctx,
		`select `+permColumns+` from permissions where id = $1`, permissionID))
}

func (s *Store) GetPermissionByName(ctx context.Context, name string) (*rbac.Permission, error) {
	return scanPermission(s.db.QueryRowContext(ctx,
		`select `+permColumns+` from permissions where name = $1`, name))
}

func (s *Store) UpdatePermission(ctx context.Context, perm *rbac.Permission, entry *auth.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update permissions
			set name = $2, resource = $3, action = $4, is_active = $5, updated_at = $6
			where id = $1
		`, perm.ID, perm.Name, perm.Resource, perm.Action, perm.IsActive, perm.UpdatedAt)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return auth.ErrConflict
			}
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return auth.ErrNotFound
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) SoftDeletePermission(ctx context.Context, permissionID string, at time.Time, entry *auth.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update permissions set is_active = false, updated_at = $2 where id = $1
		`, permissionID, at)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return auth.ErrNotFound
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) PurgePermission(ctx context.Context, permissionID string, entry *auth.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var refs int
		err := tx.QueryRowContext(ctx, `
			select count(*) from role_permissions
			where permission_id = $1 and is_active = true
		`, permissionID).Scan(&refs)
		if err != nil {
			return err
		}
		if refs > 0 {
			return auth.ErrInvalidInput
		}
		if _, err := tx.ExecContext(ctx,
			`delete from role_permissions where permission_id = $1`, permissionID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `delete from permissions where id = $1`, permissionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return auth.ErrNotFound
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) ListPermissions(ctx context.Context, includeInactive bool) ([]*rbac.Permission, error) {
	query := `select ` + permColumns + ` from permissions`
	if !includeInactive {
		query += ` where is_active = true`
	}
	query += ` order by resource, name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*rbac.Permission
	for rows.Next() {
		var p rbac.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.IsActive,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// role-permission pairing ----------------------------------------------------

// AssignPermission upserts against the (role_id, permission_id) unique key:
// a revoked row is reactivated in place, an active row means ErrConflict.
func (s *Store) AssignPermission(ctx context.Context, roleID, permissionID string, at time.Time, entry *auth.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id, is_active, created_at, updated_at)
			values ($1, $2, true, $3, $3)
			on conflict (role_id, permission_id) do update
			set is_active = true, updated_at = excluded.updated_at
			where role_permissions.is_active = false
		`, roleID, permissionID, at)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return auth.ErrNotFound
			}
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return auth.ErrConflict
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) RevokePermission(ctx context.Context, roleID, permissionID string, at time.Time, entry *auth.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update role_permissions set is_active = false, updated_at = $3
			where role_id = $1 and permission_id = $2 and is_active = true
		`, roleID, permissionID, at)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return auth.ErrNotFound
		}
		return insertAudit(ctx, tx, entry)
	})
}

// user-role assignment -------------------------------------------------------

// AssignRole upserts the (user_id, role_id) grant. The conditional update
// reactivates revoked or expired rows only; a live grant leaves zero rows
// touched, which is ErrConflict.
func (s *Store) AssignRole(ctx context.Context, ur *rbac.UserRole, rec *rbac.RoleAssignment, entry *auth.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id, is_active, expires_at, created_at, updated_at)
			values ($1, $2, true, $3, $4, $4)
			on conflict (user_id, role_id) do update
			set is_active = true, expires_at = excluded.expires_at, updated_at = excluded.updated_at
			where user_roles.is_active = false
			   or (user_roles.expires_at is not null and user_roles.expires_at <= excluded.updated_at)
		`, ur.UserID, ur.RoleID, ur.ExpiresAt, ur.UpdatedAt)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return auth.ErrNotFound
			}
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return auth.ErrConflict
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_assignments (id, user_id, role_id, assigned_by, reason, assigned_at, expires_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, rec.ID, rec.UserID, rec.RoleID, nullable(rec.AssignedBy), nullable(rec.Reason),
			rec.AssignedAt, rec.ExpiresAt); err != nil {
			return err
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) RevokeRole(ctx context.Context, userID, roleID string, opts rbac.RevokeOptions, at time.Time, entry *auth.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update user_roles set is_active = false, updated_at = $3
			where user_id = $1 and role_id = $2 and is_active = true
		`, userID, roleID, at)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return auth.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			update role_assignments
			set revoked_at = $3, revoked_by = $4, revoke_reason = $5
			where id = (
				select id from role_assignments
				where user_id = $1 and role_id = $2 and revoked_at is null
				order by assigned_at desc limit 1
			)
		`, userID, roleID, at, nullable(opts.RevokedBy), nullable(opts.Reason)); err != nil {
			return err
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) AssignmentHistory(ctx context.Context, userID string) ([]*rbac.RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, role_id, assigned_by, reason, assigned_at, expires_at,
		       revoked_by, revoke_reason, revoked_at
		from role_assignments
		where user_id = $1
		order by assigned_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*rbac.RoleAssignment
	for rows.Next() {
		var (
			rec          rbac.RoleAssignment
			assignedBy   sql.NullString
			reason       sql.NullString
			expiresAt    sql.NullTime
			revokedBy    sql.NullString
			revokeReason sql.NullString
			revokedAt    sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.RoleID, &assignedBy, &reason,
			&rec.AssignedAt, &expiresAt, &revokedBy, &revokeReason, &revokedAt); err != nil {
			return nil, err
		}
		rec.AssignedBy = assignedBy.String
		rec.Reason = reason.String
		rec.RevokedBy = revokedBy.String
		rec.RevokeReason = revokeReason.String
		if expiresAt.Valid {
			t := expiresAt.Time
			rec.ExpiresAt = &t
		}
		if revokedAt.Valid {
			t := revokedAt.Time
			rec.RevokedAt = &t
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// resolution -----------------------------------------------------------------

func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from users where id = $1)`, userID).Scan(&exists)
	return exists, err
}

// UserAccess resolves both sets in one pass. The left join keeps roles with
// no permissions visible in the role set.
func (s *Store) UserAccess(ctx context.Context, userID string, now time.Time) (rbac.Access, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.name, p.name
		from user_roles ur
		join roles r on r.id = ur.role_id and r.is_active = true
		left join role_permissions rp on rp.role_id = r.id and rp.is_active = true
		left join permissions p on p.id = rp.permission_id and p.is_active = true
		where ur.user_id = $1 and ur.is_active = true
		  and (ur.expires_at is null or ur.expires_at > $2)
	`, userID, now)
	if err != nil {
		return rbac.Access{}, err
	}
	defer rows.Close()

	roleSet := map[string]bool{}
	permSet := map[string]bool{}
	for rows.Next() {
		var roleName string
		var permName sql.NullString
		if err := rows.Scan(&roleName, &permName); err != nil {
			return rbac.Access{}, err
		}
		roleSet[roleName] = true
		if permName.Valid {
			permSet[permName.String] = true
		}
	}
	if err := rows.Err(); err != nil {
		return rbac.Access{}, err
	}
	return rbac.Access{Roles: sortedSet(roleSet), Permissions: sortedSet(permSet)}, nil
}

func (s *Store) RolesGranting(ctx context.Context, userID, permissionName string, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct r.name
		from user_roles ur
		join roles r on r.id = ur.role_id and r.is_active = true
		join role_permissions rp on rp.role_id = r.id and rp.is_active = true
		join permissions p on p.id = rp.permission_id and p.is_active = true
		where ur.user_id = $1 and ur.is_active = true
		  and (ur.expires_at is null or ur.expires_at > $2)
		  and p.name = $3
		order by r.name
	`, userID, now, permissionName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
