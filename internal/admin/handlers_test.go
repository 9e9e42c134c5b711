package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"desagate/internal/audit"
	"desagate/internal/db"
	"desagate/internal/ratelimit"
	"desagate/internal/rbac"
	"desagate/internal/store"
)

type fixture struct {
	mux      *http.ServeMux
	pipeline *audit.Pipeline
	limiter  *ratelimit.Limiter
	store    *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	d, err := db.New(context.Background(), db.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	pipeline := audit.NewPipeline(d.Events(), d.Alerts(), nil)
	resolver, err := rbac.NewResolver(d.Catalog())
	require.NoError(t, err)

	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	limiter, err := ratelimit.NewLimiter(st, ratelimit.DefaultConfigs())
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandlers(pipeline, resolver, limiter).Register(mux, nil)
	return &fixture{mux: mux, pipeline: pipeline, limiter: limiter, store: st}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func (f *fixture) raiseBruteForce(t *testing.T) audit.Alert {
	t.Helper()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.pipeline.LogEvent(context.Background(), audit.Event{
			Type:      audit.EventLoginFailed,
			IPAddress: "203.0.113.7",
			Action:    "login",
			Outcome:   "failure",
		}))
	}
	alerts, err := f.pipeline.GetSecurityAlerts(context.Background(), audit.AlertFilter{Unresolved: true})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	return alerts[0]
}

func TestListAlerts(t *testing.T) {
	f := newFixture(t)
	f.raiseBruteForce(t)

	w := f.do(t, "GET", "/v1/alerts?unresolved=true", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data  []audit.Alert `json:"data"`
		Total int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, audit.AlertBruteForce, body.Data[0].Type)

	w = f.do(t, "GET", "/v1/alerts?type=BULK_DATA_EXPORT", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Total)
}

func TestResolveAlert(t *testing.T) {
	f := newFixture(t)
	alert := f.raiseBruteForce(t)

	w := f.do(t, "POST", "/v1/alerts/"+alert.ID+"/resolve", `{"notes":"handled"}`)
	require.Equal(t, http.StatusOK, w.Code)

	// Terminal: a second resolve conflicts.
	w = f.do(t, "POST", "/v1/alerts/"+alert.ID+"/resolve", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, "POST", "/v1/alerts/no-such-id/resolve", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditStats(t *testing.T) {
	f := newFixture(t)
	f.raiseBruteForce(t)

	w := f.do(t, "GET", "/v1/audit/stats?window_hours=24", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats audit.Statistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 24, stats.WindowHours)
	assert.Equal(t, 5, stats.FailedLogins)
	assert.Equal(t, 1, stats.OpenAlerts)
}

func TestResetRateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	identity := ratelimit.IdentityIP("203.0.113.7")
	for i := 0; i < 6; i++ {
		f.limiter.Check(ctx, ratelimit.TypeAuth, identity)
	}
	blocked, _, err := f.limiter.IsBlocked(ctx, ratelimit.TypeAuth, identity)
	require.NoError(t, err)
	require.True(t, blocked)

	w := f.do(t, "POST", "/v1/ratelimit/reset",
		`{"type":"auth","identity":"`+identity+`"}`)
	require.Equal(t, http.StatusOK, w.Code)

	blocked, _, err = f.limiter.IsBlocked(ctx, ratelimit.TypeAuth, identity)
	require.NoError(t, err)
	assert.False(t, blocked)

	w = f.do(t, "POST", "/v1/ratelimit/reset", `{"type":"auth"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoleAdministration(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/v1/roles",
		`{"name":"Operator","description":"resident letters","permissions":[{"resource":"letters","action":"read"}]}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, "POST", "/v1/roles", `{"name":"Operator"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, "POST", "/v1/roles", `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "GET", "/v1/roles", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []rbac.Role `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "Operator", body.Data[0].Name)

	w = f.do(t, "PUT", "/v1/roles/Operator/permissions",
		`{"permissions":[{"resource":"letters","action":"read"},{"resource":"letters","action":"create"}]}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, "PUT", "/v1/users/u-1/role", `{"role":"Operator"}`)
	require.Equal(t, http.StatusOK, w.Code)

	// Role with members cannot be deleted.
	w = f.do(t, "DELETE", "/v1/roles/Operator", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, "PUT", "/v1/users/u-1/role", `{"role":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "PUT", "/v1/users/u-1/role", `{"role":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Only the successful mutations reach the audit trail.
	stats, err := f.pipeline.GetAuditStatistics(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ByEventType[string(audit.EventPermissionChanged)])
	assert.Equal(t, 1, stats.ByEventType[string(audit.EventRoleAssigned)])
}

func (f *fixture) doAs(t *testing.T, p rbac.Principal, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, nil)
	r = r.WithContext(rbac.ContextWithPrincipal(r.Context(), p))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func TestEffectivePermissions(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/v1/roles", `{"name":"clerk","permissions":[{"resource":"citizens","action":"read"},{"resource":"documents","action":"read"}]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	w = f.do(t, "POST", "/v1/roles", `{"name":"treasurer","permissions":[{"resource":"finance","action":"write"}]}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var body struct {
		UserID      string            `json:"user_id"`
		Role        string            `json:"role"`
		Permissions []rbac.Permission `json:"permissions"`
		Total       int               `json:"total"`
	}

	t.Run("unauthenticated", func(t *testing.T) {
		w := f.do(t, "GET", "/v1/me/permissions", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("role member sees role permissions", func(t *testing.T) {
		w := f.doAs(t, rbac.Principal{UserID: "u-1", Role: "clerk", Active: true}, "GET", "/v1/me/permissions")
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "u-1", body.UserID)
		assert.Equal(t, 2, body.Total)
	})

	t.Run("super admin sees whole catalog", func(t *testing.T) {
		w := f.doAs(t, rbac.Principal{UserID: "u-2", Role: rbac.RoleSuperAdmin, Active: true}, "GET", "/v1/me/permissions")
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, 3, body.Total)
	})

	t.Run("unknown role resolves to empty set", func(t *testing.T) {
		w := f.doAs(t, rbac.Principal{UserID: "u-3", Role: "ghost", Active: true}, "GET", "/v1/me/permissions")
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, 0, body.Total)
		assert.NotNil(t, body.Permissions)
	})
}

func TestRegister_AppliesGuard(t *testing.T) {
	f := newFixture(t)

	mux := http.NewServeMux()
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
	}
	NewHandlers(f.pipeline, mustResolver(t), f.limiter).Register(mux, deny)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/v1/alerts", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func mustResolver(t *testing.T) *rbac.Resolver {
	t.Helper()
	d, err := db.New(context.Background(), db.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	resolver, err := rbac.NewResolver(d.Catalog())
	require.NoError(t, err)
	return resolver
}
