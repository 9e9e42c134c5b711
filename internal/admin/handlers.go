// Package admin serves the management API: security alerts, audit
// statistics, rate limit resets, and role administration.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"desagate/internal/audit"
	"desagate/internal/logger"
	"desagate/internal/ratelimit"
	"desagate/internal/rbac"
)

// Handlers exposes the management endpoints. Authentication and
// authorization are applied by the caller when registering routes.
type Handlers struct {
	pipeline *audit.Pipeline
	resolver *rbac.Resolver
	limiter  *ratelimit.Limiter
	log      *slog.Logger
}

// NewHandlers wires the management API over the given components.
func NewHandlers(pipeline *audit.Pipeline, resolver *rbac.Resolver, limiter *ratelimit.Limiter) *Handlers {
	return &Handlers{
		pipeline: pipeline,
		resolver: resolver,
		limiter:  limiter,
		log:      logger.WithComponent("admin"),
	}
}

// Register attaches the routes to mux, wrapping each through guard.
// guard typically applies a permission check; pass nil to register
// handlers bare (tests do this).
func (h *Handlers) Register(mux *http.ServeMux, guard func(http.Handler) http.Handler) {
	wrap := func(fn http.HandlerFunc) http.Handler {
		if guard == nil {
			return fn
		}
		return guard(fn)
	}

	mux.Handle("GET /v1/alerts", wrap(h.listAlerts))
	mux.Handle("POST /v1/alerts/{id}/resolve", wrap(h.resolveAlert))
	mux.Handle("GET /v1/audit/stats", wrap(h.auditStats))
	mux.Handle("POST /v1/ratelimit/reset", wrap(h.resetRateLimit))

	// Self-service: any authenticated principal may inspect their own
	// effective permission set, so no management guard here.
	mux.HandleFunc("GET /v1/me/permissions", h.effectivePermissions)

	mux.Handle("GET /v1/roles", wrap(h.listRoles))
	mux.Handle("POST /v1/roles", wrap(h.createRole))
	mux.Handle("DELETE /v1/roles/{name}", wrap(h.deleteRole))
	mux.Handle("PUT /v1/roles/{name}/permissions", wrap(h.setRolePermissions))
	mux.Handle("PUT /v1/users/{id}/role", wrap(h.assignRole))
}

func (h *Handlers) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.AlertFilter{
		Type:       audit.AlertType(q.Get("type")),
		Severity:   audit.Severity(q.Get("severity")),
		UserID:     q.Get("user_id"),
		IPAddress:  q.Get("ip_address"),
		Unresolved: q.Get("unresolved") == "true",
		Limit:      readInt(q.Get("limit"), 100),
	}
	if raw := q.Get("since_hours"); raw != "" {
		filter.Since = time.Now().Add(-time.Duration(readInt(raw, 24)) * time.Hour)
	}

	alerts, err := h.pipeline.GetSecurityAlerts(r.Context(), filter)
	if err != nil {
		h.log.Error("alert listing failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "alert_listing_failed")
		return
	}
	if alerts == nil {
		alerts = []audit.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": alerts, "total": len(alerts)})
}

func (h *Handlers) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Notes string `json:"notes"`
	}
	if r.Body != nil {
		// Notes are optional; an empty body is fine.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	resolvedBy := "unknown"
	if principal, ok := rbac.PrincipalFromContext(r.Context()); ok {
		resolvedBy = principal.UserID
	}

	err := h.pipeline.ResolveAlert(r.Context(), id, resolvedBy, strings.TrimSpace(body.Notes))
	switch {
	case errors.Is(err, audit.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, "alert_not_found")
	case errors.Is(err, audit.ErrAlertResolved):
		writeError(w, http.StatusConflict, "alert_already_resolved")
	case err != nil:
		h.log.Error("alert resolution failed", "alert_id", id, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "alert_resolution_failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"resolved": true, "id": id})
	}
}

func (h *Handlers) auditStats(w http.ResponseWriter, r *http.Request) {
	window := readInt(r.URL.Query().Get("window_hours"), 24)
	stats, err := h.pipeline.GetAuditStatistics(r.Context(), window)
	if err != nil {
		h.log.Error("audit stats failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "audit_stats_failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type     string `json:"type"`
		Identity string `json:"identity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Type == "" || body.Identity == "" {
		writeError(w, http.StatusBadRequest, "type_and_identity_required")
		return
	}

	if err := h.limiter.Reset(r.Context(), ratelimit.Type(body.Type), body.Identity); err != nil {
		h.log.Error("rate limit reset failed",
			"limit_type", body.Type, "identity", body.Identity, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "rate_limit_reset_failed")
		return
	}
	h.log.Info("rate limit reset", "limit_type", body.Type, "identity", body.Identity)
	h.logChange(r, audit.EventDataModified, "ratelimit", body.Identity, "reset",
		map[string]any{"limit_type": body.Type})
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func (h *Handlers) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	principal, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_required")
		return
	}

	perms, err := h.resolver.EffectivePermissions(r.Context(), principal)
	if err != nil && !errors.Is(err, rbac.ErrRoleNotFound) {
		h.log.Error("permission resolution failed", "user_id", principal.UserID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "permission_resolution_failed")
		return
	}
	if perms == nil {
		perms = []rbac.Permission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     principal.UserID,
		"role":        principal.Role,
		"permissions": perms,
		"total":       len(perms),
	})
}

func (h *Handlers) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.resolver.ListRoles(r.Context())
	if err != nil {
		h.log.Error("role listing failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "role_listing_failed")
		return
	}
	if roles == nil {
		roles = []rbac.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": roles, "total": len(roles)})
}

type rolePayload struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Permissions []rbac.Permission `json:"permissions"`
}

func (h *Handlers) createRole(w http.ResponseWriter, r *http.Request) {
	var body rolePayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	role, err := h.resolver.CreateRole(r.Context(), body.Name, body.Description, body.Permissions)
	if err != nil {
		writeRoleError(w, err)
		return
	}
	h.logChange(r, audit.EventPermissionChanged, "roles", role.Name, "create",
		map[string]any{"permissions": len(role.Permissions)})
	writeJSON(w, http.StatusCreated, role)
}

func (h *Handlers) deleteRole(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.resolver.DeleteRole(r.Context(), name); err != nil {
		writeRoleError(w, err)
		return
	}
	h.logChange(r, audit.EventPermissionChanged, "roles", name, "delete", nil)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handlers) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Permissions []rbac.Permission `json:"permissions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	name := r.PathValue("name")
	if err := h.resolver.SetRolePermissions(r.Context(), name, body.Permissions); err != nil {
		writeRoleError(w, err)
		return
	}
	h.logChange(r, audit.EventPermissionChanged, "roles", name, "update",
		map[string]any{"permissions": len(body.Permissions)})
	writeJSON(w, http.StatusOK, map[string]any{"updated": true, "name": name})
}

func (h *Handlers) assignRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	userID := r.PathValue("id")
	if err := h.resolver.AssignRole(r.Context(), userID, body.Role); err != nil {
		writeRoleError(w, err)
		return
	}
	h.logChange(r, audit.EventRoleAssigned, "users", userID, "assign_role",
		map[string]any{"role": body.Role})
	writeJSON(w, http.StatusOK, map[string]any{"assigned": true, "user_id": userID, "role": body.Role})
}

// logChange records a successful administrative mutation on the audit
// trail. LogEvent never fails the request.
func (h *Handlers) logChange(r *http.Request, eventType audit.EventType, resource, resourceID, action string, details map[string]any) {
	e := audit.Event{
		Type:       eventType,
		IPAddress:  ratelimit.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Resource:   resource,
		ResourceID: resourceID,
		Action:     action,
		Outcome:    "success",
		Details:    details,
	}
	if principal, ok := rbac.PrincipalFromContext(r.Context()); ok {
		e.UserID = principal.UserID
		e.SessionID = principal.SessionID
	}
	_ = h.pipeline.LogEvent(r.Context(), e)
}

func writeRoleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rbac.ErrRoleNotFound):
		writeError(w, http.StatusNotFound, "role_not_found")
	case errors.Is(err, rbac.ErrRoleExists):
		writeError(w, http.StatusConflict, "role_exists")
	case errors.Is(err, rbac.ErrRoleHasMembers):
		writeError(w, http.StatusConflict, "role_has_members")
	case errors.Is(err, rbac.ErrInvalidInput), errors.Is(err, rbac.ErrRoleRequired):
		writeError(w, http.StatusBadRequest, "invalid_input")
	default:
		writeError(w, http.StatusInternalServerError, "role_operation_failed")
	}
}

func readInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, map[string]any{"error": map[string]any{"code": code, "reason": reason}})
}
