package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"foliogate.org/internal/auth"
	"foliogate.org/internal/ids"
	"foliogate.org/internal/obs"
)

// Service is the administration surface for roles, permissions and
// assignments. Every successful mutation produces exactly one audit entry,
// persisted atomically with the mutation by the store.
type Service struct {
	store Store
	now   func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the RBAC service.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac: store is required")
	}
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Roles ---------------------------------------------------------------------

// CreateRole creates an active role. The name pre-check is advisory; the
// store's unique constraint decides races.
func (s *Service) CreateRole(ctx context.Context, in RoleInput) (*Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", auth.ErrInvalidInput)
	}
	if _, err := s.store.GetRoleByName(ctx, name); err == nil {
		return nil, auth.ErrConflict
	} else if !errors.Is(err, auth.ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	role := &Role{
		ID:          ids.New(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		IsActive:    true,
		IsDefault:   in.IsDefault,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entry := s.newEntry(ctx, "rbac.role.create", "role", role.ID, map[string]string{"name": name})
	if err := s.store.CreateRole(ctx, role, entry); err != nil {
		return nil, err
	}
	obs.RBACMutations.WithLabelValues("role.create").Inc()
	return role, nil
}

// UpdateRole applies a partial update. Setting IsDefault atomically clears
// the previous default inside the store transaction.
func (s *Service) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (*Role, error) {
	role, err := s.store.GetRole(ctx, strings.TrimSpace(roleID))
	if err != nil {
		return nil, err
	}
	meta := map[string]string{}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: role name is required", auth.ErrInvalidInput)
		}
		meta["name"] = name
		role.Name = name
	}
	if upd.Description != nil {
		role.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.IsActive != nil {
		role.IsActive = *upd.IsActive
	}
	if upd.IsDefault != nil {
		role.IsDefault = *upd.IsDefault
	}
	if role.IsDefault && !role.IsActive {
		return nil, fmt.Errorf("%w: the default role must stay active", auth.ErrInvalidInput)
	}
	role.UpdatedAt = s.now().UTC()

	entry := s.newEntry(ctx, "rbac.role.update", "role", role.ID, meta)
	if err := s.store.UpdateRole(ctx, role, entry); err != nil {
		return nil, err
	}
	obs.RBACMutations.WithLabelValues("role.update").Inc()
	return role, nil
}

// DeleteRole soft-deletes. The default role, and any role still referenced
// by an active user grant, cannot be deleted.
func (s *Service) DeleteRole(ctx context.Context, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsDefault {
		return fmt.Errorf("%w: the default role cannot be deleted", auth.ErrInvalidInput)
	}
	entry := s.newEntry(ctx, "rbac.role.delete", "role", roleID, map[string]string{"name": role.Name})
	if err := s.store.SoftDeleteRole(ctx, roleID, s.now().UTC(), entry); err != nil {
		return err
	}
	obs.RBACMutations.WithLabelValues("role.delete").Inc()
	return nil
}

// GetRole returns the role regardless of its active flag; history matters.
func (s *Service) GetRole(ctx context.Context, roleID string) (*Role, error) {
	return s.store.GetRole(ctx, strings.TrimSpace(roleID))
}

// ListRoles lists roles, optionally including soft-deleted ones.
func (s *Service) ListRoles(ctx context.Context, includeInactive bool) ([]*Role, error) {
	return s.store.ListRoles(ctx, includeInactive)
}

// Permissions ---------------------------------------------------------------

// CreatePermission creates an active permission.
func (s *Service) CreatePermission(ctx context.Context, in PermissionInput) (*Permission, error) {
	name := strings.TrimSpace(in.Name)
	resource := strings.TrimSpace(in.Resource)
	action := strings.TrimSpace(in.Action)
	if name == "" || resource == "" || action == "" {
		return nil, fmt.Errorf("%w: permission name, resource and action are required", auth.ErrInvalidInput)
	}
	if _, err := s.store.GetPermissionByName(ctx, name); err == nil {
		return nil, auth.ErrConflict
	} else if !errors.Is(err, auth.ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	perm := &Permission{
		ID:        ids.New(),
		Name:      name,
		Resource:  resource,
		Action:    action,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	entry := s.newEntry(ctx, "rbac.permission.create", "permission", perm.ID, map[string]string{"name": name})
	if err := s.store.CreatePermission(ctx, perm, entry); err != nil {
		return nil, err
	}
	obs.RBACMutations.WithLabelValues("permission.create").Inc()
	return perm, nil
}

// UpdatePermission applies a partial update.
func (s *Service) UpdatePermission(ctx context.Context, permissionID string, upd PermissionUpdate) (*Permission, error) {
	perm, err := s.store.GetPermission(ctx, strings.TrimSpace(permissionID))
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: permission name is required", auth.ErrInvalidInput)
		}
		perm.Name = name
	}
	if upd.Resource != nil {
		perm.Resource = strings.TrimSpace(*upd.Resource)
	}
	if upd.Action != nil {
		perm.Action = strings.TrimSpace(*upd.Action)
	}
	if upd.IsActive != nil {
		perm.IsActive = *upd.IsActive
	}
	perm.UpdatedAt = s.now().UTC()

	entry := s.newEntry(ctx, "rbac.permission.update", "permission", perm.ID, map[string]string{"name": perm.Name})
	if err := s.store.UpdatePermission(ctx, perm, entry); err != nil {
		return nil, err
	}
	obs.RBACMutations.WithLabelValues("permission.update").Inc()
	return perm, nil
}

// DeletePermission soft-deletes; assigned permissions keep their rows.
func (s *Service) DeletePermission(ctx context.Context, permissionID string) error {
	permissionID = strings.TrimSpace(permissionID)
	if _, err := s.store.GetPermission(ctx, permissionID); err != nil {
		return err
	}
	entry := s.newEntry(ctx, "rbac.permission.delete", "permission", permissionID, nil)
	if err := s.store.SoftDeletePermission(ctx, permissionID, s.now().UTC(), entry); err != nil {
		return err
	}
	obs.RBACMutations.WithLabelValues("permission.delete").Inc()
	return nil
}

// PurgePermission hard-deletes an unreferenced permission row.
func (s *Service) PurgePermission(ctx context.Context, permissionID string) error {
	permissionID = strings.TrimSpace(permissionID)
	entry := s.newEntry(ctx, "rbac.permission.purge", "permission", permissionID, nil)
	if err := s.store.PurgePermission(ctx, permissionID, entry); err != nil {
		return err
	}
	obs.RBACMutations.WithLabelValues("permission.purge").Inc()
	return nil
}

// GetPermission returns the permission row regardless of its active flag.
func (s *Service) GetPermission(ctx context.Context, permissionID string) (*Permission, error) {
	return s.store.GetPermission(ctx, strings.TrimSpace(permissionID))
}

// ListPermissions lists permissions, optionally including inactive ones.
func (s *Service) ListPermissions(ctx context.Context, includeInactive bool) ([]*Permission, error) {
	return s.store.ListPermissions(ctx, includeInactive)
}

// ListPermissionsGrouped groups active permissions by resource for browsing.
func (s *Service) ListPermissionsGrouped(ctx context.Context) (map[string][]*Permission, error) {
	perms, err := s.store.ListPermissions(ctx, false)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]*Permission)
	for _, p := range perms {
		grouped[p.Resource] = append(grouped[p.Resource], p)
	}
	for _, list := range grouped {
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	}
	return grouped, nil
}

// Role-permission pairing ---------------------------------------------------

// AssignPermissionToRole activates the pairing. Missing or inactive role or
// permission surface as ErrNotFound; an already active pairing as
// ErrConflict.
func (s *Service) AssignPermissionToRole(ctx context.Context, roleID, permissionID string) error {
	role, perm, err := s.activePair(ctx, roleID, permissionID)
	if err != nil {
		return err
	}
	entry := s.newEntry(ctx, "rbac.role.permission.assign", "role", role.ID, map[string]string{"permission": perm.Name})
	if err := s.store.AssignPermission(ctx, role.ID, perm.ID, s.now().UTC(), entry); err != nil {
		return err
	}
	obs.RBACMutations.WithLabelValues("role.permission.assign").Inc()
	return nil
}

// RevokePermissionFromRole deactivates the pairing; ErrNotFound when no
// active pairing exists.
func (s *Service) RevokePermissionFromRole(ctx context.Context, roleID, permissionID string) error {
	role, perm, err := s.activePair(ctx, roleID, permissionID)
	if err != nil {
		return err
	}
	entry := s.newEntry(ctx, "rbac.role.permission.revoke", "role", role.ID, map[string]string{"permission": perm.Name})
	if err := s.store.RevokePermission(ctx, role.ID, perm.ID, s.now().UTC(), entry); err != nil {
		return err
	}
	obs.RBACMutations.WithLabelValues("role.permission.revoke").Inc()
	return nil
}

// BulkAssignPermissions processes each permission id independently. Per-item
// problems are collected, never raised; only a missing role aborts the call.
func (s *Service) BulkAssignPermissions(ctx context.Context, roleID string, permissionIDs []string) (BulkResult, error) {
	role, err := s.store.GetRole(ctx, strings.TrimSpace(roleID))
	if err != nil {
		return BulkResult{}, err
	}
	if !role.IsActive {
		return BulkResult{}, auth.ErrNotFound
	}

	var result BulkResult
	for _, raw := range permissionIDs {
		permissionID := strings.TrimSpace(raw)
		if err := s.assignOnePermission(ctx, role, permissionID); err != nil {
			result.Failures = append(result.Failures, BulkFailure{ID: permissionID, Reason: failureReason(err)})
			continue
		}
		result.SuccessCount++
	}
	obs.RBACMutations.WithLabelValues("role.permission.bulk_assign").Inc()
	return result, nil
}

func (s *Service) assignOnePermission(ctx context.Context, role *Role, permissionID string) error {
	perm, err := s.store.GetPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	if !perm.IsActive {
		return auth.ErrNotFound
	}
	entry := s.newEntry(ctx, "rbac.role.permission.assign", "role", role.ID, map[string]string{"permission": perm.Name})
	return s.store.AssignPermission(ctx, role.ID, perm.ID, s.now().UTC(), entry)
}

// User-role assignment ------------------------------------------------------

// AssignRole grants a role to a user. Re-granting a revoked pair reactivates
// the existing join row; an active, unexpired grant is ErrConflict. The
// optional expiry makes the grant time-bounded.
func (s *Service) AssignRole(ctx context.Context, userID, roleID string, opts AssignOptions) (*RoleAssignment, error) {
	userID = strings.TrimSpace(userID)
	ok, err := s.store.UserExists(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, auth.ErrNotFound
	}
	role, err := s.store.GetRole(ctx, strings.TrimSpace(roleID))
	if err != nil {
		return nil, err
	}
	if !role.IsActive {
		return nil, auth.ErrNotFound
	}
	return s.assignRoleChecked(ctx, userID, role, opts)
}

func (s *Service) assignRoleChecked(ctx context.Context, userID string, role *Role, opts AssignOptions) (*RoleAssignment, error) {
	now := s.now().UTC()
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must lie in the future", auth.ErrInvalidInput)
	}
	if opts.AssignedBy == "" {
		opts.AssignedBy = auth.ActorFromContext(ctx)
	}

	ur := &UserRole{
		UserID:    userID,
		RoleID:    role.ID,
		IsActive:  true,
		ExpiresAt: opts.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec := &RoleAssignment{
		ID:         ids.New(),
		UserID:     userID,
		RoleID:     role.ID,
		AssignedBy: opts.AssignedBy,
		Reason:     strings.TrimSpace(opts.Reason),
		AssignedAt: now,
		ExpiresAt:  opts.ExpiresAt,
	}
	entry := s.newEntry(ctx, "rbac.user.role.assign", "user", userID, map[string]string{"role": role.Name})
	if err := s.store.AssignRole(ctx, ur, rec, entry); err != nil {
		return nil, err
	}
	obs.RBACMutations.WithLabelValues("user.role.assign").Inc()
	return rec, nil
}

// RevokeRole revokes an active grant; ErrNotFound when none exists.
func (s *Service) RevokeRole(ctx context.Context, userID, roleID string, opts RevokeOptions) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if opts.RevokedBy == "" {
		opts.RevokedBy = auth.ActorFromContext(ctx)
	}
	entry := s.newEntry(ctx, "rbac.user.role.revoke", "user", userID, map[string]string{"role_id": roleID})
	if err := s.store.RevokeRole(ctx, userID, roleID, opts, s.now().UTC(), entry); err != nil {
		return err
	}
	obs.RBACMutations.WithLabelValues("user.role.revoke").Inc()
	return nil
}

// BulkAssignRoles applies the bulk partial-failure contract keyed by user:
// only a missing user aborts the call.
func (s *Service) BulkAssignRoles(ctx context.Context, userID string, roleIDs []string, opts AssignOptions) (BulkResult, error) {
	userID = strings.TrimSpace(userID)
	ok, err := s.store.UserExists(ctx, userID)
	if err != nil {
		return BulkResult{}, err
	}
	if !ok {
		return BulkResult{}, auth.ErrNotFound
	}

	var result BulkResult
	for _, raw := range roleIDs {
		roleID := strings.TrimSpace(raw)
		role, err := s.store.GetRole(ctx, roleID)
		if err == nil && !role.IsActive {
			err = auth.ErrNotFound
		}
		if err == nil {
			_, err = s.assignRoleChecked(ctx, userID, role, opts)
		}
		if err != nil {
			result.Failures = append(result.Failures, BulkFailure{ID: roleID, Reason: failureReason(err)})
			continue
		}
		result.SuccessCount++
	}
	obs.RBACMutations.WithLabelValues("user.role.bulk_assign").Inc()
	return result, nil
}

// AssignmentHistory returns the chronological grant lifecycle records.
func (s *Service) AssignmentHistory(ctx context.Context, userID string) ([]*RoleAssignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", auth.ErrInvalidInput)
	}
	return s.store.AssignmentHistory(ctx, userID)
}

// auth.AccessProvider -------------------------------------------------------

// AccessLists returns the role and permission snapshot embedded into access
// tokens at issuance.
func (s *Service) AccessLists(ctx context.Context, userID string) ([]string, []string, error) {
	access, err := s.store.UserAccess(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, nil, err
	}
	return access.Roles, access.Permissions, nil
}

// GrantDefaultRole assigns the platform default role to a new user. Having
// no default configured is not an error.
func (s *Service) GrantDefaultRole(ctx context.Context, userID string) error {
	role, err := s.store.DefaultRole(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = s.assignRoleChecked(ctx, userID, role, AssignOptions{Reason: "default role on registration"})
	if errors.Is(err, auth.ErrConflict) {
		return nil
	}
	return err
}

// helpers -------------------------------------------------------------------

func (s *Service) activePair(ctx context.Context, roleID, permissionID string) (*Role, *Permission, error) {
	role, err := s.store.GetRole(ctx, strings.TrimSpace(roleID))
	if err != nil {
		return nil, nil, err
	}
	if !role.IsActive {
		return nil, nil, auth.ErrNotFound
	}
	perm, err := s.store.GetPermission(ctx, strings.TrimSpace(permissionID))
	if err != nil {
		return nil, nil, err
	}
	if !perm.IsActive {
		return nil, nil, auth.ErrNotFound
	}
	return role, perm, nil
}

func (s *Service) newEntry(ctx context.Context, action, resource, resourceID string, meta map[string]string) *auth.AuditEntry {
	return &auth.AuditEntry{
		ID:         ids.New(),
		OccurredAt: s.now().UTC(),
		ActorID:    auth.ActorFromContext(ctx),
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Metadata:   meta,
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		return "not found or inactive"
	case errors.Is(err, auth.ErrConflict):
		return "already assigned"
	case errors.Is(err, auth.ErrInvalidInput):
		return "invalid input"
	default:
		return err.Error()
	}
}
