package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"foliogate.org/internal/audit"
	"foliogate.org/internal/rbac"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsDefault   bool   `json:"is_default"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
	IsDefault   *bool   `json:"is_default"`
}

type createPermissionRequest struct {
	Name     string `json:"name"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

type updatePermissionRequest struct {
	Name     *string `json:"name"`
	Resource *string `json:"resource"`
	Action   *string `json:"action"`
	IsActive *bool   `json:"is_active"`
}

type assignPermissionsRequest struct {
	PermissionID  string   `json:"permission_id,omitempty"`
	PermissionIDs []string `json:"permission_ids,omitempty"`
}

type assignRolesRequest struct {
	RoleID    string     `json:"role_id,omitempty"`
	RoleIDs   []string   `json:"role_ids,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type accessCheckRequest struct {
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, "roles.read") {
			return
		}
		includeInactive := r.URL.Query().Get("include_inactive") == "true"
		roles, err := a.rbac.ListRoles(r.Context(), includeInactive)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		if !a.ensurePermission(w, r, "roles.write") {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.CreateRole(r.Context(), rbac.RoleInput{
			Name:        req.Name,
			Description: req.Description,
			IsDefault:   req.IsDefault,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.role.created", map[string]any{
			"role_id": role.ID,
			"name":    role.Name,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleScoped(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/roles/")
	switch {
	case len(parts) == 1:
		a.handleRoleByID(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleRolePermissions(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "permissions":
		a.handleRolePermission(w, r, parts[0], parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRoleByID(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, "roles.read") {
			return
		}
		role, err := a.rbac.GetRole(r.Context(), roleID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPatch:
		if !a.ensurePermission(w, r, "roles.write") {
			return
		}
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.UpdateRole(r.Context(), roleID, rbac.RoleUpdate{
			Name:        req.Name,
			Description: req.Description,
			IsActive:    req.IsActive,
			IsDefault:   req.IsDefault,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.role.updated", map[string]any{"role_id": roleID})
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if !a.ensurePermission(w, r, "roles.write") {
			return
		}
		if err := a.rbac.DeleteRole(r.Context(), roleID); err != nil {
			handleServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.role.deleted", map[string]any{"role_id": roleID})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

// handleRolePermissions assigns one or many permissions. A list engages the
// bulk contract: per-item failures are reported, not raised.
func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, "roles.write") {
		return
	}
	var req assignPermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.PermissionIDs) > 0 {
		result, err := a.rbac.BulkAssignPermissions(r.Context(), roleID, req.PermissionIDs)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.role.permissions.bulk_assigned", map[string]any{
			"role_id":   roleID,
			"succeeded": result.SuccessCount,
			"failed":    len(result.Failures),
		})
		writeJSON(w, http.StatusOK, result)
		return
	}
	if strings.TrimSpace(req.PermissionID) == "" {
		writeError(w, r, http.StatusBadRequest, "permission_id or permission_ids is required")
		return
	}
	if err := a.rbac.AssignPermissionToRole(r.Context(), roleID, req.PermissionID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permission.assigned", map[string]any{
		"role_id":       roleID,
		"permission_id": req.PermissionID,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"status": "assigned"})
}

func (a *API) handleRolePermission(w http.ResponseWriter, r *http.Request, roleID, permissionID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensurePermission(w, r, "roles.write") {
		return
	}
	if err := a.rbac.RevokePermissionFromRole(r.Context(), roleID, permissionID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permission.revoked", map[string]any{
		"role_id":       roleID,
		"permission_id": permissionID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, "permissions.read") {
			return
		}
		if r.URL.Query().Get("grouped") == "true" {
			grouped, err := a.rbac.ListPermissionsGrouped(r.Context())
			if err != nil {
				handleServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"permissions": grouped})
			return
		}
		includeInactive := r.URL.Query().Get("include_inactive") == "true"
		perms, err := a.rbac.ListPermissions(r.Context(), includeInactive)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
	case http.MethodPost:
		if !a.ensurePermission(w, r, "permissions.write") {
			return
		}
		var req createPermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perm, err := a.rbac.CreatePermission(r.Context(), rbac.PermissionInput{
			Name:     req.Name,
			Resource: req.Resource,
			Action:   req.Action,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.permission.created", map[string]any{
			"permission_id": perm.ID,
			"name":          perm.Name,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/permissions/%s", perm.ID))
		writeJSON(w, http.StatusCreated, perm)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handlePermissionScoped(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/permissions/")
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	permissionID := parts[0]
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, "permissions.read") {
			return
		}
		perm, err := a.rbac.GetPermission(r.Context(), permissionID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, perm)
	case http.MethodPatch:
		if !a.ensurePermission(w, r, "permissions.write") {
			return
		}
		var req updatePermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perm, err := a.rbac.UpdatePermission(r.Context(), permissionID, rbac.PermissionUpdate{
			Name:     req.Name,
			Resource: req.Resource,
			Action:   req.Action,
			IsActive: req.IsActive,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.permission.updated", map[string]any{"permission_id": permissionID})
		writeJSON(w, http.StatusOK, perm)
	case http.MethodDelete:
		if !a.ensurePermission(w, r, "permissions.write") {
			return
		}
		var err error
		if r.URL.Query().Get("purge") == "true" {
			err = a.rbac.PurgePermission(r.Context(), permissionID)
		} else {
			err = a.rbac.DeletePermission(r.Context(), permissionID)
		}
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.permission.deleted", map[string]any{"permission_id": permissionID})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/users/")
	switch {
	case len(parts) == 2 && parts[1] == "roles":
		a.handleUserRoles(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "roles" && parts[2] == "history":
		a.handleUserRoleHistory(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "roles":
		a.handleUserRole(w, r, parts[0], parts[2])
	case len(parts) == 2 && parts[1] == "access":
		a.handleUserAccess(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, "users.write") {
		return
	}
	var req assignRolesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	opts := rbac.AssignOptions{Reason: req.Reason, ExpiresAt: req.ExpiresAt}
	if len(req.RoleIDs) > 0 {
		result, err := a.rbac.BulkAssignRoles(r.Context(), userID, req.RoleIDs, opts)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.user.roles.bulk_assigned", map[string]any{
			"user_id":   userID,
			"succeeded": result.SuccessCount,
			"failed":    len(result.Failures),
		})
		writeJSON(w, http.StatusOK, result)
		return
	}
	if strings.TrimSpace(req.RoleID) == "" {
		writeError(w, r, http.StatusBadRequest, "role_id or role_ids is required")
		return
	}
	assignment, err := a.rbac.AssignRole(r.Context(), userID, req.RoleID, opts)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.role.assigned", map[string]any{
		"user_id": userID,
		"role_id": req.RoleID,
	})
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) handleUserRole(w http.ResponseWriter, r *http.Request, userID, roleID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensurePermission(w, r, "users.write") {
		return
	}
	opts := rbac.RevokeOptions{Reason: strings.TrimSpace(r.URL.Query().Get("reason"))}
	if err := a.rbac.RevokeRole(r.Context(), userID, roleID, opts); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.role.revoked", map[string]any{
		"user_id": userID,
		"role_id": roleID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserRoleHistory(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, "users.read") {
		return
	}
	history, err := a.rbac.AssignmentHistory(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (a *API) handleUserAccess(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, "users.read") {
		return
	}
	access, err := a.rbac.UserAccess(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

func (a *API) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, "users.read") {
		return
	}
	var req accessCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	decision, err := a.rbac.CheckPermission(r.Context(), req.UserID, req.Permission)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// --- helpers ---

func pathParts(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, fmt.Errorf("limit must be between %d and %d", min, max)
	}
	return val, nil
}
