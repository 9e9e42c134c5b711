package rbac

import (
	"fmt"
	"net/http"

	"log/slog"

	"desagate/internal/logger"
)

// DenialRecorder receives authorization denials so they reach the
// audit pipeline without this package importing it.
type DenialRecorder interface {
	RecordAccessDenied(r *http.Request, p Principal, resource, action string)
}

// Middleware enforces permissions on HTTP handlers.
type Middleware struct {
	resolver *Resolver
	denials  DenialRecorder
	log      *slog.Logger
}

// NewMiddleware creates RBAC enforcement middleware. The recorder may
// be nil, in which case denials are only logged.
func NewMiddleware(resolver *Resolver, denials DenialRecorder) *Middleware {
	return &Middleware{
		resolver: resolver,
		denials:  denials,
		log:      logger.WithComponent("rbac"),
	}
}

// RequirePermission wraps a handler so it only runs when the request's
// principal holds (resource, action). Missing principal is 401,
// denied permission is 403.
func (m *Middleware) RequirePermission(resource, action string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeDenied(w, http.StatusUnauthorized, "authentication_required")
			return
		}

		if !m.resolver.HasPermission(r.Context(), principal, resource, action) {
			m.log.Warn("permission denied",
				"user_id", principal.UserID,
				"role", principal.Role,
				"resource", resource,
				"action", action,
				"path", r.URL.Path,
			)
			if m.denials != nil {
				m.denials.RecordAccessDenied(r, principal, resource, action)
			}
			writeDenied(w, http.StatusForbidden, "permission_denied")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireRole wraps a handler so it only runs when the principal holds
// one of the given roles.
func (m *Middleware) RequireRole(roles []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeDenied(w, http.StatusUnauthorized, "authentication_required")
			return
		}

		if !m.resolver.HasRole(r.Context(), principal, roles...) && !principal.IsSuperAdmin() {
			m.log.Warn("role denied",
				"user_id", principal.UserID,
				"role", principal.Role,
				"required", roles,
				"path", r.URL.Path,
			)
			if m.denials != nil {
				m.denials.RecordAccessDenied(r, principal, "role", "member")
			}
			writeDenied(w, http.StatusForbidden, "role_denied")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeDenied(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"reason":%q}}`, code, reason)
}
