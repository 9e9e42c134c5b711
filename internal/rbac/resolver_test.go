package rbac

import (
	"context"
	"errors"
	"testing"
)

// fakeCatalog implements Catalog in memory for resolver tests.
type fakeCatalog struct {
	roles       map[string]Role
	assignments map[string]string // userID -> role name
	failAll     bool
}

var errCatalogDown = errors.New("catalog down")

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		roles:       make(map[string]Role),
		assignments: make(map[string]string),
	}
}

func (f *fakeCatalog) GetRole(ctx context.Context, name string) (Role, error) {
	if f.failAll {
		return Role{}, errCatalogDown
	}
	role, ok := f.roles[name]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return role, nil
}

func (f *fakeCatalog) ListRoles(ctx context.Context) ([]Role, error) {
	if f.failAll {
		return nil, errCatalogDown
	}
	out := make([]Role, 0, len(f.roles))
	for _, r := range f.roles {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeCatalog) CreateRole(ctx context.Context, role Role) error {
	if f.failAll {
		return errCatalogDown
	}
	if _, ok := f.roles[role.Name]; ok {
		return ErrRoleExists
	}
	f.roles[role.Name] = role
	return nil
}

func (f *fakeCatalog) DeleteRole(ctx context.Context, name string) error {
	if f.failAll {
		return errCatalogDown
	}
	if _, ok := f.roles[name]; !ok {
		return ErrRoleNotFound
	}
	delete(f.roles, name)
	return nil
}

func (f *fakeCatalog) SetRolePermissions(ctx context.Context, name string, permissions []Permission) error {
	if f.failAll {
		return errCatalogDown
	}
	role, ok := f.roles[name]
	if !ok {
		return ErrRoleNotFound
	}
	role.Permissions = permissions
	f.roles[name] = role
	return nil
}

func (f *fakeCatalog) AssignRole(ctx context.Context, userID, roleName string) error {
	if f.failAll {
		return errCatalogDown
	}
	f.assignments[userID] = roleName
	return nil
}

func (f *fakeCatalog) RoleMemberCount(ctx context.Context, name string) (int, error) {
	if f.failAll {
		return 0, errCatalogDown
	}
	count := 0
	for _, role := range f.assignments {
		if role == name {
			count++
		}
	}
	return count, nil
}

func (f *fakeCatalog) ListPermissions(ctx context.Context) ([]Permission, error) {
	if f.failAll {
		return nil, errCatalogDown
	}
	seen := make(map[string]struct{})
	var out []Permission
	for _, role := range f.roles {
		for _, p := range role.Permissions {
			if _, ok := seen[p.Key()]; ok {
				continue
			}
			seen[p.Key()] = struct{}{}
			out = append(out, p)
		}
	}
	return out, nil
}

func operatorCatalog(t *testing.T) *fakeCatalog {
	t.Helper()
	cat := newFakeCatalog()
	cat.roles["Operator"] = Role{
		Name:        "Operator",
		Permissions: []Permission{{Resource: "letters", Action: "read"}},
	}
	return cat
}

func TestHasPermission_OperatorScenario(t *testing.T) {
	resolver, err := NewResolver(operatorCatalog(t))
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	ctx := context.Background()
	p := Principal{UserID: "u1", Role: "Operator", Active: true}

	if !resolver.HasPermission(ctx, p, "letters", "read") {
		t.Error("HasPermission(letters, read) = false, want true")
	}
	if resolver.HasPermission(ctx, p, "letters", "delete") {
		t.Error("HasPermission(letters, delete) = true, want false")
	}
	if resolver.HasRole(ctx, p, RoleSuperAdmin) {
		t.Error("HasRole(super_admin) = true, want false")
	}
}

func TestHasPermission_SuperAdminBypassesCatalog(t *testing.T) {
	cat := newFakeCatalog()
	cat.failAll = true // the bypass must not touch the catalog
	resolver, _ := NewResolver(cat)
	ctx := context.Background()

	p := Principal{UserID: "root", Role: RoleSuperAdmin, Active: true}
	for _, perm := range []Permission{
		{Resource: "letters", Action: "delete"},
		{Resource: "budget", Action: "approve"},
		{Resource: "never-granted", Action: "anything"},
	} {
		if !resolver.HasPermission(ctx, p, perm.Resource, perm.Action) {
			t.Errorf("super admin denied %s", perm.Key())
		}
	}
}

func TestHasPermission_InactivePrincipalDeniesAll(t *testing.T) {
	resolver, _ := NewResolver(operatorCatalog(t))
	ctx := context.Background()

	for _, role := range []string{"Operator", RoleSuperAdmin} {
		p := Principal{UserID: "u1", Role: role, Active: false}
		if resolver.HasPermission(ctx, p, "letters", "read") {
			t.Errorf("inactive %s allowed, want deny", role)
		}
		if resolver.HasRole(ctx, p, role) {
			t.Errorf("inactive %s matched HasRole, want false", role)
		}
	}
}

func TestHasPermission_FailsClosedOnCatalogError(t *testing.T) {
	cat := operatorCatalog(t)
	cat.failAll = true
	resolver, _ := NewResolver(cat)

	p := Principal{UserID: "u1", Role: "Operator", Active: true}
	if resolver.HasPermission(context.Background(), p, "letters", "read") {
		t.Error("catalog failure allowed request, want fail closed")
	}
}

func TestHasPermission_CaseSensitiveExactMatch(t *testing.T) {
	resolver, _ := NewResolver(operatorCatalog(t))
	ctx := context.Background()
	p := Principal{UserID: "u1", Role: "Operator", Active: true}

	if resolver.HasPermission(ctx, p, "Letters", "read") {
		t.Error("resource match should be case-sensitive")
	}
	if resolver.HasPermission(ctx, p, "letters", "READ") {
		t.Error("action match should be case-sensitive")
	}
}

func TestEffectivePermissions(t *testing.T) {
	cat := operatorCatalog(t)
	cat.roles["Treasurer"] = Role{
		Name:        "Treasurer",
		Permissions: []Permission{{Resource: "budget", Action: "read"}, {Resource: "budget", Action: "write"}},
	}
	resolver, _ := NewResolver(cat)
	ctx := context.Background()

	perms, err := resolver.EffectivePermissions(ctx, Principal{UserID: "u1", Role: "Treasurer", Active: true})
	if err != nil {
		t.Fatalf("EffectivePermissions() error = %v", err)
	}
	if len(perms) != 2 {
		t.Errorf("len(perms) = %d, want 2", len(perms))
	}

	// Super admin listing materializes the whole catalog.
	perms, err = resolver.EffectivePermissions(ctx, Principal{UserID: "root", Role: RoleSuperAdmin, Active: true})
	if err != nil {
		t.Fatalf("EffectivePermissions() error = %v", err)
	}
	if len(perms) != 3 {
		t.Errorf("super admin len(perms) = %d, want 3", len(perms))
	}

	perms, err = resolver.EffectivePermissions(ctx, Principal{UserID: "u2", Role: "Operator", Active: false})
	if err != nil {
		t.Fatalf("EffectivePermissions() error = %v", err)
	}
	if len(perms) != 0 {
		t.Errorf("inactive principal len(perms) = %d, want 0", len(perms))
	}
}

func TestDeleteRole_RejectsRoleWithMembers(t *testing.T) {
	cat := operatorCatalog(t)
	resolver, _ := NewResolver(cat)
	ctx := context.Background()

	if err := resolver.AssignRole(ctx, "u1", "Operator"); err != nil {
		t.Fatalf("AssignRole() error = %v", err)
	}

	err := resolver.DeleteRole(ctx, "Operator")
	if !errors.Is(err, ErrRoleHasMembers) {
		t.Errorf("DeleteRole() error = %v, want ErrRoleHasMembers", err)
	}

	// After the member moves off, deletion succeeds.
	cat.roles["Clerk"] = Role{Name: "Clerk"}
	if err := resolver.AssignRole(ctx, "u1", "Clerk"); err != nil {
		t.Fatalf("AssignRole() error = %v", err)
	}
	if err := resolver.DeleteRole(ctx, "Operator"); err != nil {
		t.Errorf("DeleteRole() after reassignment error = %v", err)
	}
}

func TestAssignRole_RejectsEmptyRole(t *testing.T) {
	resolver, _ := NewResolver(operatorCatalog(t))

	err := resolver.AssignRole(context.Background(), "u1", "")
	if !errors.Is(err, ErrRoleRequired) {
		t.Errorf("AssignRole(\"\") error = %v, want ErrRoleRequired", err)
	}
}

func TestAssignRole_RejectsUnknownRole(t *testing.T) {
	resolver, _ := NewResolver(operatorCatalog(t))

	err := resolver.AssignRole(context.Background(), "u1", "Mayor")
	if !errors.Is(err, ErrRoleNotFound) {
		t.Errorf("AssignRole(Mayor) error = %v, want ErrRoleNotFound", err)
	}
}

func TestCreateRole_DedupesPermissions(t *testing.T) {
	resolver, _ := NewResolver(newFakeCatalog())

	role, err := resolver.CreateRole(context.Background(), "Clerk", "issues letters", []Permission{
		{Resource: "letters", Action: "read"},
		{Resource: "letters", Action: "read"},
		{Resource: " ", Action: "read"},
	})
	if err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}
	if len(role.Permissions) != 1 {
		t.Errorf("len(Permissions) = %d, want 1", len(role.Permissions))
	}
}
