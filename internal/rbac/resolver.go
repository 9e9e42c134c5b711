package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"desagate/internal/logger"
)

var (
	ErrInvalidInput   = errors.New("rbac: invalid input")
	ErrRoleNotFound   = errors.New("rbac: role not found")
	ErrRoleExists     = errors.New("rbac: role already exists")
	ErrRoleHasMembers = errors.New("rbac: role still has members")
	ErrRoleRequired   = errors.New("rbac: principal must keep a role")
)

// Catalog provides role and permission lookups. Implementations may
// use whatever transactional guarantee the backing store offers;
// concurrent reads during a mutation may observe either the old or the
// new role set, never a torn mix.
type Catalog interface {
	GetRole(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, role Role) error
	DeleteRole(ctx context.Context, name string) error
	SetRolePermissions(ctx context.Context, name string, permissions []Permission) error
	AssignRole(ctx context.Context, userID, roleName string) error
	RoleMemberCount(ctx context.Context, name string) (int, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// Resolver answers permission and role queries for principals.
// Lookups that fail against the catalog deny: authorization fails
// closed, the opposite policy from the rate limiter.
type Resolver struct {
	catalog Catalog
	log     *slog.Logger
}

// NewResolver creates a resolver over the given catalog.
func NewResolver(catalog Catalog) (*Resolver, error) {
	if catalog == nil {
		return nil, errors.New("rbac: catalog is required")
	}
	return &Resolver{
		catalog: catalog,
		log:     logger.WithComponent("rbac"),
	}, nil
}

// HasPermission reports whether the principal may perform action on
// resource. Inactive principals always deny; the super role always
// allows without touching the catalog.
func (r *Resolver) HasPermission(ctx context.Context, p Principal, resource, action string) bool {
	if !p.Active {
		return false
	}
	if p.IsSuperAdmin() {
		return true
	}

	role, err := r.catalog.GetRole(ctx, p.Role)
	if err != nil {
		r.log.Error("permission lookup failed, denying",
			"user_id", p.UserID,
			"role", p.Role,
			"resource", resource,
			"action", action,
			"error", err.Error(),
		)
		return false
	}

	for _, perm := range role.Permissions {
		if perm.Resource == resource && perm.Action == action {
			return true
		}
	}
	return false
}

// HasRole reports whether the principal's role is one of the given
// names. Inactive principals never match.
func (r *Resolver) HasRole(ctx context.Context, p Principal, names ...string) bool {
	if !p.Active {
		return false
	}
	for _, name := range names {
		if p.Role == name {
			return true
		}
	}
	return false
}

// EffectivePermissions returns the principal's full permission set.
// This is the one place the super role materializes the catalog; the
// hot path never does.
func (r *Resolver) EffectivePermissions(ctx context.Context, p Principal) ([]Permission, error) {
	if !p.Active {
		return nil, nil
	}
	if p.IsSuperAdmin() {
		return r.catalog.ListPermissions(ctx)
	}
	role, err := r.catalog.GetRole(ctx, p.Role)
	if err != nil {
		return nil, err
	}
	return role.Permissions, nil
}

// CreateRole adds a new role to the catalog.
func (r *Resolver) CreateRole(ctx context.Context, name, description string, permissions []Permission) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	role := Role{
		Name:        name,
		Description: strings.TrimSpace(description),
		Permissions: dedupePermissions(permissions),
	}
	if err := r.catalog.CreateRole(ctx, role); err != nil {
		return Role{}, err
	}
	return role, nil
}

// SetRolePermissions replaces a role's permission set.
func (r *Resolver) SetRolePermissions(ctx context.Context, name string, permissions []Permission) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	return r.catalog.SetRolePermissions(ctx, name, dedupePermissions(permissions))
}

// AssignRole moves a principal onto roleName. A principal always has
// exactly one role, so assignment replaces rather than accumulates.
func (r *Resolver) AssignRole(ctx context.Context, userID, roleName string) error {
	userID = strings.TrimSpace(userID)
	roleName = strings.TrimSpace(roleName)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if roleName == "" {
		return ErrRoleRequired
	}
	if _, err := r.catalog.GetRole(ctx, roleName); err != nil {
		return err
	}
	return r.catalog.AssignRole(ctx, userID, roleName)
}

// DeleteRole removes a role. Roles that still have members cannot be
// deleted; reassign the members first.
func (r *Resolver) DeleteRole(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	members, err := r.catalog.RoleMemberCount(ctx, name)
	if err != nil {
		return err
	}
	if members > 0 {
		return fmt.Errorf("%w: %s has %d members", ErrRoleHasMembers, name, members)
	}
	return r.catalog.DeleteRole(ctx, name)
}

// ListRoles returns every role in the catalog.
func (r *Resolver) ListRoles(ctx context.Context) ([]Role, error) {
	return r.catalog.ListRoles(ctx)
}

func dedupePermissions(perms []Permission) []Permission {
	if len(perms) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(perms))
	result := make([]Permission, 0, len(perms))
	for _, p := range perms {
		p.Resource = strings.TrimSpace(p.Resource)
		p.Action = strings.TrimSpace(p.Action)
		if p.Resource == "" || p.Action == "" {
			continue
		}
		if _, ok := seen[p.Key()]; ok {
			continue
		}
		seen[p.Key()] = struct{}{}
		result = append(result, p)
	}
	return result
}
