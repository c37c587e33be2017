package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"foliogate.org/internal/auth"
)

// chainFixture wires user-1 -> editor -> docs.read with every link active.
type chainFixture struct {
	svc   *Service
	store *InMemory
	role  *Role
	perm  *Permission
}

func newChainFixture(t *testing.T) *chainFixture {
	t.Helper()
	store := NewInMemory(func(_ context.Context, userID string) (bool, error) {
		return userID == "user-1", nil
	})
	svc, err := NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	role, err := svc.CreateRole(ctx, RoleInput{Name: "editor"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	perm, err := svc.CreatePermission(ctx, PermissionInput{Name: "docs.read", Resource: "docs", Action: "read"})
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if err := svc.AssignPermissionToRole(ctx, role.ID, perm.ID); err != nil {
		t.Fatalf("AssignPermissionToRole: %v", err)
	}
	if _, err := svc.AssignRole(ctx, "user-1", role.ID, AssignOptions{}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	return &chainFixture{svc: svc, store: store, role: role, perm: perm}
}

func (f *chainFixture) granted(t *testing.T) bool {
	t.Helper()
	decision, err := f.svc.CheckPermission(context.Background(), "user-1", "docs.read")
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	return decision.Granted
}

func TestCheckPermissionFullChain(t *testing.T) {
	f := newChainFixture(t)
	if !f.granted(t) {
		t.Fatal("fully active chain must grant")
	}
	decision, err := f.svc.CheckPermission(context.Background(), "user-1", "docs.read")
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	if len(decision.GrantedBy) != 1 || decision.GrantedBy[0] != "editor" {
		t.Fatalf("expected grant through editor, got %v", decision.GrantedBy)
	}
}

// Each broken link on its own must turn the decision into a deny.
func TestCheckPermissionBrokenLinks(t *testing.T) {
	ctx := context.Background()
	off := false

	t.Run("user role grant revoked", func(t *testing.T) {
		f := newChainFixture(t)
		if err := f.svc.RevokeRole(ctx, "user-1", f.role.ID, RevokeOptions{}); err != nil {
			t.Fatalf("RevokeRole: %v", err)
		}
		if f.granted(t) {
			t.Fatal("revoked grant must deny")
		}
	})

	t.Run("role deactivated", func(t *testing.T) {
		f := newChainFixture(t)
		if _, err := f.svc.UpdateRole(ctx, f.role.ID, RoleUpdate{IsActive: &off}); err != nil {
			t.Fatalf("UpdateRole: %v", err)
		}
		if f.granted(t) {
			t.Fatal("inactive role must deny")
		}
	})

	t.Run("pairing revoked", func(t *testing.T) {
		f := newChainFixture(t)
		if err := f.svc.RevokePermissionFromRole(ctx, f.role.ID, f.perm.ID); err != nil {
			t.Fatalf("RevokePermissionFromRole: %v", err)
		}
		if f.granted(t) {
			t.Fatal("revoked pairing must deny")
		}
	})

	t.Run("permission deactivated", func(t *testing.T) {
		f := newChainFixture(t)
		if err := f.svc.DeletePermission(ctx, f.perm.ID); err != nil {
			t.Fatalf("DeletePermission: %v", err)
		}
		if f.granted(t) {
			t.Fatal("inactive permission must deny")
		}
	})
}

func TestExpiredGrantDenies(t *testing.T) {
	clock := time.Now().UTC()
	store := NewInMemory(nil)
	svc, err := NewService(store, WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, RoleInput{Name: "temp"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	perm, err := svc.CreatePermission(ctx, PermissionInput{Name: "docs.read", Resource: "docs", Action: "read"})
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if err := svc.AssignPermissionToRole(ctx, role.ID, perm.ID); err != nil {
		t.Fatalf("AssignPermissionToRole: %v", err)
	}
	exp := clock.Add(time.Hour)
	if _, err := svc.AssignRole(ctx, "user-1", role.ID, AssignOptions{ExpiresAt: &exp}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	decision, err := svc.CheckPermission(ctx, "user-1", "docs.read")
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	if !decision.Granted {
		t.Fatal("grant should hold before expiry")
	}

	// no flag flips, just time passing
	clock = clock.Add(2 * time.Hour)
	decision, err = svc.CheckPermission(ctx, "user-1", "docs.read")
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	if decision.Granted {
		t.Fatal("expired grant must deny")
	}
	access, err := svc.UserAccess(ctx, "user-1")
	if err != nil {
		t.Fatalf("UserAccess: %v", err)
	}
	if len(access.Roles) != 0 || len(access.Permissions) != 0 {
		t.Fatalf("expired grant must vanish from access: %+v", access)
	}

	// an expired pair can be re-granted in place
	if _, err := svc.AssignRole(ctx, "user-1", role.ID, AssignOptions{}); err != nil {
		t.Fatalf("re-grant over expired pair: %v", err)
	}
	if d, _ := svc.CheckPermission(ctx, "user-1", "docs.read"); !d.Granted {
		t.Fatal("re-granted role must grant again")
	}
}

func TestUserAccessUnknownUser(t *testing.T) {
	f := newChainFixture(t)
	if _, err := f.svc.UserAccess(context.Background(), "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestUserAccessEmptyForUngrantedUser(t *testing.T) {
	store := NewInMemory(nil)
	svc, err := NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	access, err := svc.UserAccess(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("UserAccess: %v", err)
	}
	if len(access.Roles) != 0 || len(access.Permissions) != 0 {
		t.Fatalf("expected empty sets, got %+v", access)
	}
}

func TestHasRoleAndHasAnyRole(t *testing.T) {
	f := newChainFixture(t)
	ctx := context.Background()

	ok, err := f.svc.HasRole(ctx, "user-1", "editor")
	if err != nil || !ok {
		t.Fatalf("HasRole editor: ok=%v err=%v", ok, err)
	}
	ok, err = f.svc.HasRole(ctx, "user-1", "admin")
	if err != nil || ok {
		t.Fatalf("HasRole admin: ok=%v err=%v", ok, err)
	}
	ok, err = f.svc.HasAnyRole(ctx, "user-1", "admin", "editor")
	if err != nil || !ok {
		t.Fatalf("HasAnyRole: ok=%v err=%v", ok, err)
	}
	ok, err = f.svc.HasAnyRole(ctx, "user-1", "admin", "owner")
	if err != nil || ok {
		t.Fatalf("HasAnyRole none held: ok=%v err=%v", ok, err)
	}
}
