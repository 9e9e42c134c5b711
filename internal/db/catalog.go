package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"desagate/internal/rbac"
)

// Catalog is the database-backed role catalog. It implements
// rbac.Catalog.
type Catalog struct {
	d *Database
}

// GetRole returns the named role with its permission set.
func (c *Catalog) GetRole(ctx context.Context, name string) (rbac.Role, error) {
	var role rbac.Role
	err := c.d.sql.QueryRowContext(ctx, c.d.rebind(`
		SELECT name, description, created_at, updated_at
		FROM roles WHERE name = ?`), name).
		Scan(&role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, fmt.Errorf("%w: %s", rbac.ErrRoleNotFound, name)
	}
	if err != nil {
		return rbac.Role{}, fmt.Errorf("get role: %w", err)
	}

	role.Permissions, err = c.rolePermissions(ctx, name)
	if err != nil {
		return rbac.Role{}, err
	}
	return role, nil
}

// ListRoles returns every role, permissions included, sorted by name.
func (c *Catalog) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	rows, err := c.d.sql.QueryContext(ctx, `
		SELECT name, description, created_at, updated_at
		FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		var role rbac.Role
		if err := rows.Scan(&role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range roles {
		roles[i].Permissions, err = c.rolePermissions(ctx, roles[i].Name)
		if err != nil {
			return nil, err
		}
	}
	return roles, nil
}

// CreateRole inserts a role and its permissions atomically.
func (c *Catalog) CreateRole(ctx context.Context, role rbac.Role) error {
	tx, err := c.d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create role: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		c.d.rebind(`SELECT COUNT(*) FROM roles WHERE name = ?`), role.Name).
		Scan(&exists); err != nil {
		return fmt.Errorf("create role: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", rbac.ErrRoleExists, role.Name)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, c.d.rebind(`
		INSERT INTO roles (name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?)`),
		role.Name, role.Description, now, now); err != nil {
		return fmt.Errorf("create role: %w", err)
	}
	if err := insertPermissions(ctx, tx, c.d, role.Name, role.Permissions); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteRole removes a role; its permission rows cascade.
func (c *Catalog) DeleteRole(ctx context.Context, name string) error {
	res, err := c.d.sql.ExecContext(ctx,
		c.d.rebind(`DELETE FROM roles WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", rbac.ErrRoleNotFound, name)
	}
	return nil
}

// SetRolePermissions replaces the role's permission set atomically.
func (c *Catalog) SetRolePermissions(ctx context.Context, name string, permissions []rbac.Permission) error {
	tx, err := c.d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set role permissions: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		c.d.rebind(`UPDATE roles SET updated_at = ? WHERE name = ?`),
		time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("set role permissions: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", rbac.ErrRoleNotFound, name)
	}

	if _, err := tx.ExecContext(ctx,
		c.d.rebind(`DELETE FROM role_permissions WHERE role_name = ?`), name); err != nil {
		return fmt.Errorf("set role permissions: %w", err)
	}
	if err := insertPermissions(ctx, tx, c.d, name, permissions); err != nil {
		return err
	}
	return tx.Commit()
}

// AssignRole moves a user onto the role, replacing any previous
// assignment.
func (c *Catalog) AssignRole(ctx context.Context, userID, roleName string) error {
	_, err := c.d.sql.ExecContext(ctx, c.d.rebind(`
		INSERT INTO user_roles (user_id, role_name, assigned_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			role_name = excluded.role_name,
			assigned_at = excluded.assigned_at`),
		userID, roleName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

// RoleMemberCount counts users currently assigned to the role.
func (c *Catalog) RoleMemberCount(ctx context.Context, name string) (int, error) {
	var n int
	err := c.d.sql.QueryRowContext(ctx,
		c.d.rebind(`SELECT COUNT(*) FROM user_roles WHERE role_name = ?`), name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("role member count: %w", err)
	}
	return n, nil
}

// ListPermissions returns the distinct permissions across all roles.
func (c *Catalog) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	rows, err := c.d.sql.QueryContext(ctx, `
		SELECT DISTINCT resource, action FROM role_permissions`)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	var perms []rbac.Permission
	for rows.Next() {
		var p rbac.Permission
		if err := rows.Scan(&p.Resource, &p.Action); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Key() < perms[j].Key() })
	return perms, nil
}

func (c *Catalog) rolePermissions(ctx context.Context, name string) ([]rbac.Permission, error) {
	rows, err := c.d.sql.QueryContext(ctx, c.d.rebind(`
		SELECT resource, action FROM role_permissions
		WHERE role_name = ? ORDER BY resource, action`), name)
	if err != nil {
		return nil, fmt.Errorf("role permissions: %w", err)
	}
	defer rows.Close()

	var perms []rbac.Permission
	for rows.Next() {
		var p rbac.Permission
		if err := rows.Scan(&p.Resource, &p.Action); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func insertPermissions(ctx context.Context, tx *sql.Tx, d *Database, roleName string, perms []rbac.Permission) error {
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, d.rebind(`
			INSERT INTO role_permissions (role_name, resource, action)
			VALUES (?, ?, ?)`),
			roleName, p.Resource, p.Action); err != nil {
			return fmt.Errorf("insert permission %s: %w", p.Key(), err)
		}
	}
	return nil
}
