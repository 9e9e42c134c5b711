// Package rbac resolves principals to effective permissions and
// answers allow/deny for (resource, action) pairs.
package rbac

import (
	"strings"
	"time"
)

// RoleSuperAdmin is the distinguished role that implicitly holds every
// permission. The bypass is a name comparison in the resolver, never an
// enumeration of the catalog.
const RoleSuperAdmin = "super_admin"

// Permission is an immutable catalog entry identifying one action on
// one resource. Matching is exact and case-sensitive; there is no
// wildcarding.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Key returns the canonical "resource:action" form.
func (p Permission) Key() string {
	return p.Resource + ":" + p.Action
}

// ParsePermission parses a "resource:action" key.
func ParsePermission(key string) (Permission, bool) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Permission{}, false
	}
	return Permission{Resource: parts[0], Action: parts[1]}, true
}

// Role is a named set of permissions.
type Role struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Principal is the authenticated actor making a request. Exactly one
// role; inactive principals resolve to deny-all.
type Principal struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Active    bool   `json:"active"`
	SessionID string `json:"session_id,omitempty"`
}

// IsSuperAdmin reports whether the principal holds the distinguished
// super role. Inactivity still wins over the bypass.
func (p Principal) IsSuperAdmin() bool {
	return p.Active && p.Role == RoleSuperAdmin
}
