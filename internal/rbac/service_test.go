package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"foliogate.org/internal/auth"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *InMemory) {
	t.Helper()
	store := NewInMemory(nil)
	svc, err := NewService(store, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func mustRole(t *testing.T, svc *Service, in RoleInput) *Role {
	t.Helper()
	role, err := svc.CreateRole(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateRole %q: %v", in.Name, err)
	}
	return role
}

func mustPermission(t *testing.T, svc *Service, name, resource, action string) *Permission {
	t.Helper()
	perm, err := svc.CreatePermission(context.Background(), PermissionInput{Name: name, Resource: resource, Action: action})
	if err != nil {
		t.Fatalf("CreatePermission %q: %v", name, err)
	}
	return perm
}

func TestCreateRoleValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateRole(ctx, RoleInput{Name: "  "}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("blank name: expected ErrInvalidInput, got %v", err)
	}

	mustRole(t, svc, RoleInput{Name: "editor"})
	if _, err := svc.CreateRole(ctx, RoleInput{Name: "editor"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("duplicate name: expected ErrConflict, got %v", err)
	}
}

func TestSingleDefaultRole(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first := mustRole(t, svc, RoleInput{Name: "member", IsDefault: true})
	second := mustRole(t, svc, RoleInput{Name: "trial", IsDefault: true})

	got, err := svc.store.DefaultRole(ctx)
	if err != nil {
		t.Fatalf("DefaultRole: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("expected %s as default, got %s", second.ID, got.ID)
	}
	refreshed, err := svc.GetRole(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if refreshed.IsDefault {
		t.Fatal("previous default must have been demoted")
	}

	// promoting via update demotes the current default too
	promoted := mustRole(t, svc, RoleInput{Name: "vip"})
	yes := true
	if _, err := svc.UpdateRole(ctx, promoted.ID, RoleUpdate{IsDefault: &yes}); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	got, err = svc.store.DefaultRole(ctx)
	if err != nil {
		t.Fatalf("DefaultRole: %v", err)
	}
	if got.ID != promoted.ID {
		t.Fatalf("expected %s as default after update, got %s", promoted.ID, got.ID)
	}
}

func TestDeleteRoleGuards(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	def := mustRole(t, svc, RoleInput{Name: "member", IsDefault: true})
	if err := svc.DeleteRole(ctx, def.ID); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("deleting the default role: expected ErrInvalidInput, got %v", err)
	}

	held := mustRole(t, svc, RoleInput{Name: "auditor"})
	if _, err := svc.AssignRole(ctx, "user-1", held.ID, AssignOptions{}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := svc.DeleteRole(ctx, held.ID); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("deleting a held role: expected ErrInvalidInput, got %v", err)
	}

	// revoke the grant, then deletion goes through
	if err := svc.RevokeRole(ctx, "user-1", held.ID, RevokeOptions{}); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	if err := svc.DeleteRole(ctx, held.ID); err != nil {
		t.Fatalf("DeleteRole after revoke: %v", err)
	}
	role, err := svc.GetRole(ctx, held.ID)
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if role.IsActive {
		t.Fatal("deleted role must be inactive, not gone")
	}
}

func TestAssignRoleLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	role := mustRole(t, svc, RoleInput{Name: "editor"})

	rec, err := svc.AssignRole(ctx, "user-1", role.ID, AssignOptions{AssignedBy: "admin-1", Reason: "onboarding"})
	if err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if rec.AssignedBy != "admin-1" || rec.Reason != "onboarding" {
		t.Fatalf("assignment record lost annotations: %+v", rec)
	}

	// granting an already-held role conflicts
	if _, err := svc.AssignRole(ctx, "user-1", role.ID, AssignOptions{}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := svc.RevokeRole(ctx, "user-1", role.ID, RevokeOptions{RevokedBy: "admin-2", Reason: "offboarding"}); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	// revoking again finds nothing active
	if err := svc.RevokeRole(ctx, "user-1", role.ID, RevokeOptions{}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// re-grant reactivates the pair instead of failing
	if _, err := svc.AssignRole(ctx, "user-1", role.ID, AssignOptions{}); err != nil {
		t.Fatalf("re-grant after revoke: %v", err)
	}

	history, err := svc.AssignmentHistory(ctx, "user-1")
	if err != nil {
		t.Fatalf("AssignmentHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 assignment records, got %d", len(history))
	}
	if history[0].RevokedAt == nil || history[0].RevokedBy != "admin-2" {
		t.Fatalf("first record should be closed by admin-2: %+v", history[0])
	}
	if history[1].RevokedAt != nil {
		t.Fatalf("second record should still be open: %+v", history[1])
	}
}

func TestAssignRolePastExpiryRejected(t *testing.T) {
	svc, _ := newTestService(t)
	role := mustRole(t, svc, RoleInput{Name: "temp"})
	past := time.Now().UTC().Add(-time.Hour)
	if _, err := svc.AssignRole(context.Background(), "user-1", role.ID, AssignOptions{ExpiresAt: &past}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for past expiry, got %v", err)
	}
}

func TestBulkAssignPermissionsPartialFailure(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	role := mustRole(t, svc, RoleInput{Name: "editor"})
	read := mustPermission(t, svc, "docs.read", "docs", "read")
	write := mustPermission(t, svc, "docs.write", "docs", "write")

	// pre-assign one so the bulk call hits a conflict mid-list
	if err := svc.AssignPermissionToRole(ctx, role.ID, read.ID); err != nil {
		t.Fatalf("AssignPermissionToRole: %v", err)
	}

	result, err := svc.BulkAssignPermissions(ctx, role.ID, []string{write.ID, read.ID, "missing-id"})
	if err != nil {
		t.Fatalf("BulkAssignPermissions: %v", err)
	}
	if result.SuccessCount != 1 {
		t.Fatalf("expected 1 success, got %d", result.SuccessCount)
	}
	if len(result.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %+v", result.Failures)
	}
	byID := map[string]string{}
	for _, f := range result.Failures {
		byID[f.ID] = f.Reason
	}
	if byID[read.ID] != "already assigned" {
		t.Fatalf("conflict reason wrong: %q", byID[read.ID])
	}
	if byID["missing-id"] != "not found or inactive" {
		t.Fatalf("missing reason wrong: %q", byID["missing-id"])
	}

	// an unknown role aborts the whole call instead
	if _, err := svc.BulkAssignPermissions(ctx, "nope", []string{read.ID}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown role, got %v", err)
	}
}

func TestBulkAssignRolesPartialFailure(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a := mustRole(t, svc, RoleInput{Name: "a"})
	b := mustRole(t, svc, RoleInput{Name: "b"})
	if err := svc.DeleteRole(ctx, b.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}

	result, err := svc.BulkAssignRoles(ctx, "user-1", []string{a.ID, b.ID, "ghost"}, AssignOptions{})
	if err != nil {
		t.Fatalf("BulkAssignRoles: %v", err)
	}
	if result.SuccessCount != 1 || len(result.Failures) != 2 {
		t.Fatalf("unexpected bulk result: %+v", result)
	}
}

func TestPermissionSoftDeleteAndPurge(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	role := mustRole(t, svc, RoleInput{Name: "editor"})
	perm := mustPermission(t, svc, "docs.read", "docs", "read")
	if err := svc.AssignPermissionToRole(ctx, role.ID, perm.ID); err != nil {
		t.Fatalf("AssignPermissionToRole: %v", err)
	}

	// purge refuses while the pairing is active
	if err := svc.PurgePermission(ctx, perm.ID); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	// soft delete always goes through
	if err := svc.DeletePermission(ctx, perm.ID); err != nil {
		t.Fatalf("DeletePermission: %v", err)
	}

	if err := svc.RevokePermissionFromRole(ctx, role.ID, perm.ID); !errors.Is(err, auth.ErrNotFound) {
		// the permission is inactive now, the pair lookup reports not found
		t.Fatalf("expected ErrNotFound after soft delete, got %v", err)
	}
}

func TestListPermissionsGrouped(t *testing.T) {
	svc, _ := newTestService(t)
	mustPermission(t, svc, "docs.read", "docs", "read")
	mustPermission(t, svc, "docs.write", "docs", "write")
	mustPermission(t, svc, "billing.read", "billing", "read")

	grouped, err := svc.ListPermissionsGrouped(context.Background())
	if err != nil {
		t.Fatalf("ListPermissionsGrouped: %v", err)
	}
	if len(grouped["docs"]) != 2 || len(grouped["billing"]) != 1 {
		t.Fatalf("unexpected grouping: %v", grouped)
	}
	if grouped["docs"][0].Name != "docs.read" {
		t.Fatalf("groups should be name-sorted, got %s first", grouped["docs"][0].Name)
	}
}

func TestGrantDefaultRole(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	// nothing configured: a no-op
	if err := svc.GrantDefaultRole(ctx, "user-1"); err != nil {
		t.Fatalf("GrantDefaultRole without default: %v", err)
	}

	mustRole(t, svc, RoleInput{Name: "member", IsDefault: true})
	if err := svc.GrantDefaultRole(ctx, "user-1"); err != nil {
		t.Fatalf("GrantDefaultRole: %v", err)
	}
	// idempotent for already-granted users
	if err := svc.GrantDefaultRole(ctx, "user-1"); err != nil {
		t.Fatalf("repeated GrantDefaultRole: %v", err)
	}

	access, err := store.UserAccess(ctx, "user-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("UserAccess: %v", err)
	}
	if len(access.Roles) != 1 || access.Roles[0] != "member" {
		t.Fatalf("default role not granted: %v", access.Roles)
	}
}

func TestMutationsProduceAuditEntries(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	role := mustRole(t, svc, RoleInput{Name: "editor"})
	perm := mustPermission(t, svc, "docs.read", "docs", "read")
	if err := svc.AssignPermissionToRole(ctx, role.ID, perm.ID); err != nil {
		t.Fatalf("AssignPermissionToRole: %v", err)
	}
	if _, err := svc.AssignRole(ctx, "user-1", role.ID, AssignOptions{}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	actions := map[string]bool{}
	for _, e := range store.AuditEntries() {
		actions[e.Action] = true
	}
	for _, want := range []string{"rbac.role.create", "rbac.permission.create", "rbac.role.permission.assign", "rbac.user.role.assign"} {
		if !actions[want] {
			t.Fatalf("missing audit action %q in %v", want, actions)
		}
	}
}
