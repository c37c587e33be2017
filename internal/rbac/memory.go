package rbac

import (
	"context"
	"sort"
	"sync"
	"time"

	"foliogate.org/internal/auth"
)

// InMemory is a Store kept entirely in process memory. It backs tests and
// the dev-mode server; semantics mirror the Postgres store, including the
// single-default invariant and the reuse of revoked join rows.
type InMemory struct {
	mu          sync.RWMutex
	roles       map[string]*Role
	perms       map[string]*Permission
	rolePerms   map[string]map[string]*RolePermission
	userRoles   map[string]map[string]*UserRole
	assignments []*RoleAssignment
	entries     []*auth.AuditEntry

	// userExists consults the caller's user registry; nil accepts any id.
	userExists func(ctx context.Context, userID string) (bool, error)
}

// NewInMemory constructs an empty in-memory store. The checker hooks user
// existence to an external registry; pass nil to accept every user id.
func NewInMemory(userExists func(ctx context.Context, userID string) (bool, error)) *InMemory {
	return &InMemory{
		roles:      make(map[string]*Role),
		perms:      make(map[string]*Permission),
		rolePerms:  make(map[string]map[string]*RolePermission),
		userRoles:  make(map[string]map[string]*UserRole),
		userExists: userExists,
	}
}

// AuditEntries returns a snapshot of recorded audit entries.
func (m *InMemory) AuditEntries() []*auth.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*auth.AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *InMemory) record(entry *auth.AuditEntry) {
	if entry != nil {
		m.entries = append(m.entries, entry)
	}
}

// Roles ---------------------------------------------------------------------

func (m *InMemory) CreateRole(_ context.Context, role *Role, entry *auth.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.roles {
		if existing.Name == role.Name {
			return auth.ErrConflict
		}
	}
	if role.IsDefault {
		m.clearDefaultLocked(role.ID)
	}
	cp := *role
	m.roles[role.ID] = &cp
	m.record(entry)
	return nil
}

func (m *InMemory) GetRole(_ context.Context, roleID string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[roleID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *role
	return &cp, nil
}

func (m *InMemory) GetRoleByName(_ context.Context, name string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, role := range m.roles {
		if role.Name == name {
			cp := *role
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *InMemory) UpdateRole(_ context.Context, role *Role, entry *auth.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[role.ID]; !ok {
		return auth.ErrNotFound
	}
	for id, existing := range m.roles {
		if id != role.ID && existing.Name == role.Name {
			return auth.ErrConflict
		}
	}
	if role.IsDefault {
		m.clearDefaultLocked(role.ID)
	}
	cp := *role
	m.roles[role.ID] = &cp
	m.record(entry)
	return nil
}

func (m *InMemory) SoftDeleteRole(_ context.Context, roleID string, at time.Time, entry *auth.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[roleID]
	if !ok {
		return auth.ErrNotFound
	}
	if role.IsDefault {
		return auth.ErrInvalidInput
	}
	for _, grants := range m.userRoles {
		if ur, ok := grants[roleID]; ok && ur.IsActive && !ur.Expired(at) {
			return auth.ErrInvalidInput
		}
	}
	role.IsActive = false
	role.UpdatedAt = at
	m.record(entry)
	return nil
}

func (m *InMemory) ListRoles(_ context.Context, includeInactive bool) ([]*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Role, 0, len(m.roles))
	for _, role := range m.roles {
		if !includeInactive && !role.IsActive {
			continue
		}
		cp := *role
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *InMemory) DefaultRole(_ context.Context) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, role := range m.roles {
		if role.IsDefault && role.IsActive {
			cp := *role
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *InMemory) clearDefaultLocked(exceptID string) {
	for id, role := range m.roles {
		if id != exceptID && role.IsDefault {
			role.IsDefault = false
		}
	}
}

// Permissions ---------------------------------------------------------------

func (m *InMemory) CreatePermission(_ context.Context, perm *Permission, entry *auth.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.perms {
		if existing.Name == perm.Name {
			return auth.ErrConflict
		}
	}
	cp := *perm
	m.perms[perm.ID] = &cp
	m.record(entry)
	return nil
}

func (m *InMemory) GetPermission(_ context.Context, permissionID string) (*Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perm, ok := m.perms[permissionID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *perm
	return &cp, nil
}

func (m *InMemory) GetPermissionByName(_ context.Context, name string) (*Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, perm := range m.perms {
		if perm.Name == name {
			cp := *perm
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *InMemory) UpdatePermission(_ context.Context, perm *Permission, entry *auth.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.perms[perm.ID]; !ok {
		return auth.ErrNotFound
	}
	for id, existing := range m.perms {
		if id != perm.ID && existing.Name == perm.Name {
			return auth.ErrConflict
		}
	}
	cp := *perm
	m.perms[perm.ID] = &cp
	m.record(entry)
	return nil
}

func (m *InMemory) SoftDeletePermission(_ context.Context, permissionID string, at time.Time, entry *auth.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	perm, ok := m.perms[permissionID]
	if !ok {
		return auth.ErrNotFound
	}
	perm.IsActive = false
	perm.UpdatedAt = at
	m.record(entry)
	return nil
}

func (m *InMemory) PurgePermission(_ context.Context, permissionID string, entry *auth.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.perms[permissionID]; !ok {
		return auth.ErrNotFound
	}
	for _, pairs := range m.rolePerms {
		if rp, ok := pairs[permissionID]; ok && rp.IsActive {
			return auth.ErrInvalidInput
		}
	}
	delete(m.perms, permissionID)
	for _, pairs := range m.rolePerms {
		delete(pairs, permissionID)
	}
	m.record(entry)
	return nil
}

func (m *InMemory) ListPermissions(_ context.Context, includeInactive bool) ([]*Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Permission, 0, len(m.perms))
	for _, perm := range m.perms {
		if !includeInactive && !perm.IsActive {
			continue
		}
		cp := *perm
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Pairings ------------------------------------------------------------------

func (m *InMemory) AssignPermission(_ context.Context, roleID, permissionID string, at time.Time, entry *auth.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pairs := m.rolePerms[roleID]
	if pairs == nil {
		pairs = make(map[string]*RolePermission)
		m.rolePerms[roleID] = pairs
	}
	if rp, ok := pairs[permissionID]; ok {
		if rp.IsActive {
			return auth.ErrConflict
		}
		rp.IsActive = true
		rp.UpdatedAt = at
	} else {
		pairs[permissionID] = &RolePermission{
			RoleID:       roleID,
			PermissionID: permissionID,
			IsActive:     true,
			CreatedAt:    at,
			UpdatedAt:    at,
		}
	}
	m.record(entry)
	return nil
}

func (m *InMemory) RevokePermission(_ context.Context, roleID, permissionID string, at time.Time, entry *auth.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rp, ok := m.rolePerms[roleID][permissionID]
	if !ok || !rp.IsActive {
		return auth.ErrNotFound
	}
	rp.IsActive = false
	rp.UpdatedAt = at
	m.record(entry)
	return nil
}

func (m *InMemory) AssignRole(_ context.Context, ur *UserRole, rec *RoleAssignment, entry *auth.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	grants := m.userRoles[ur.UserID]
	if grants == nil {
		grants = make(map[string]*UserRole)
		m.userRoles[ur.UserID] = grants
	}
	if existing, ok := grants[ur.RoleID]; ok {
		if existing.IsActive && !existing.Expired(ur.CreatedAt) {
			return auth.ErrConflict
		}
		existing.IsActive = true
		existing.ExpiresAt = ur.ExpiresAt
		existing.UpdatedAt = ur.UpdatedAt
	} else {
		cp := *ur
		grants[ur.RoleID] = &cp
	}
	rc := *rec
	m.assignments = append(m.assignments, &rc)
	m.record(entry)
	return nil
}

func (m *InMemory) RevokeRole(_ context.Context, userID, roleID string, opts RevokeOptions, at time.Time, entry *auth.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ur, ok := m.userRoles[userID][roleID]
	if !ok || !ur.IsActive {
		return auth.ErrNotFound
	}
	ur.IsActive = false
	ur.UpdatedAt = at
	for i := len(m.assignments) - 1; i >= 0; i-- {
		rec := m.assignments[i]
		if rec.UserID == userID && rec.RoleID == roleID && rec.RevokedAt == nil {
			revoked := at
			rec.RevokedAt = &revoked
			rec.RevokedBy = opts.RevokedBy
			rec.RevokeReason = opts.Reason
			break
		}
	}
	m.record(entry)
	return nil
}

func (m *InMemory) AssignmentHistory(_ context.Context, userID string) ([]*RoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RoleAssignment
	for _, rec := range m.assignments {
		if rec.UserID == userID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Resolution ----------------------------------------------------------------

func (m *InMemory) UserExists(ctx context.Context, userID string) (bool, error) {
	if m.userExists != nil {
		return m.userExists(ctx, userID)
	}
	return true, nil
}

func (m *InMemory) UserAccess(_ context.Context, userID string, now time.Time) (Access, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	roleSet := make(map[string]bool)
	permSet := make(map[string]bool)
	for roleID, ur := range m.userRoles[userID] {
		role := m.activeRoleLocked(roleID, ur, now)
		if role == nil {
			continue
		}
		roleSet[role.Name] = true
		for _, name := range m.activePermNamesLocked(roleID) {
			permSet[name] = true
		}
	}
	access := Access{Roles: sortedKeys(roleSet), Permissions: sortedKeys(permSet)}
	return access, nil
}

func (m *InMemory) RolesGranting(_ context.Context, userID, permissionName string, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for roleID, ur := range m.userRoles[userID] {
		role := m.activeRoleLocked(roleID, ur, now)
		if role == nil {
			continue
		}
		for _, name := range m.activePermNamesLocked(roleID) {
			if name == permissionName {
				out = append(out, role.Name)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *InMemory) activeRoleLocked(roleID string, ur *UserRole, now time.Time) *Role {
	if !ur.IsActive || ur.Expired(now) {
		return nil
	}
	role, ok := m.roles[roleID]
	if !ok || !role.IsActive {
		return nil
	}
	return role
}

func (m *InMemory) activePermNamesLocked(roleID string) []string {
	var out []string
	for permID, rp := range m.rolePerms[roleID] {
		if !rp.IsActive {
			continue
		}
		if perm, ok := m.perms[permID]; ok && perm.IsActive {
			out = append(out, perm.Name)
		}
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
