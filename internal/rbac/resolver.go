package rbac

import (
	"context"
	"fmt"
	"strings"

	"foliogate.org/internal/auth"
)

// Resolution answers "what may this user do" against live state. A grant
// counts only while every link in its chain is active: the user-role pairing
// (and unexpired), the role, the role-permission pairing, and the permission.

// UserAccess returns the user's resolved role and permission sets. An
// unknown user is ErrNotFound; a known user with nothing granted resolves to
// empty sets.
func (s *Service) UserAccess(ctx context.Context, userID string) (Access, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Access{}, fmt.Errorf("%w: user_id is required", auth.ErrInvalidInput)
	}
	ok, err := s.store.UserExists(ctx, userID)
	if err != nil {
		return Access{}, err
	}
	if !ok {
		return Access{}, auth.ErrNotFound
	}
	return s.store.UserAccess(ctx, userID, s.now().UTC())
}

// CheckPermission reports whether the user currently holds the named
// permission, and through which roles. Unknown users and unknown permission
// names both resolve to a plain deny.
func (s *Service) CheckPermission(ctx context.Context, userID, permissionName string) (Decision, error) {
	userID = strings.TrimSpace(userID)
	permissionName = strings.TrimSpace(permissionName)
	if userID == "" || permissionName == "" {
		return Decision{}, fmt.Errorf("%w: user_id and permission are required", auth.ErrInvalidInput)
	}
	roles, err := s.store.RolesGranting(ctx, userID, permissionName, s.now().UTC())
	if err != nil {
		return Decision{}, err
	}
	return Decision{Granted: len(roles) > 0, GrantedBy: roles}, nil
}

// HasRole reports whether the user holds the named role through an active,
// unexpired grant.
func (s *Service) HasRole(ctx context.Context, userID, roleName string) (bool, error) {
	access, err := s.UserAccess(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, r := range access.Roles {
		if r == roleName {
			return true, nil
		}
	}
	return false, nil
}

// HasAnyRole reports whether the user holds at least one of the named roles.
func (s *Service) HasAnyRole(ctx context.Context, userID string, roleNames ...string) (bool, error) {
	access, err := s.UserAccess(ctx, userID)
	if err != nil {
		return false, err
	}
	held := make(map[string]bool, len(access.Roles))
	for _, r := range access.Roles {
		held[r] = true
	}
	for _, want := range roleNames {
		if held[want] {
			return true, nil
		}
	}
	return false, nil
}
