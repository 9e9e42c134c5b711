package csrf

import (
	"fmt"
	"net/http"

	"desagate/internal/rbac"
)

// HeaderName is where state-changing requests present their token.
const HeaderName = "X-CSRF-Token"

// CookieName carries the double-submit copy of the token.
const CookieName = "csrf_token"

// RejectionRecorder receives CSRF rejections for the audit pipeline.
type RejectionRecorder interface {
	RecordCSRFRejected(r *http.Request, sessionID string, reason Reason)
}

// Middleware validates tokens on state-changing requests. Safe methods
// bypass validation entirely.
type Middleware struct {
	guard      *Guard
	rejections RejectionRecorder
}

// NewMiddleware creates CSRF enforcement middleware. The recorder may
// be nil.
func NewMiddleware(guard *Guard, rejections RejectionRecorder) *Middleware {
	return &Middleware{guard: guard, rejections: rejections}
}

// Protect wraps a handler with CSRF validation. The session comes from
// the request's principal; requests without a session on unsafe
// methods are rejected.
func (m *Middleware) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		var sessionID string
		if principal, ok := rbac.PrincipalFromContext(r.Context()); ok {
			sessionID = principal.SessionID
		}

		token := r.Header.Get(HeaderName)
		if token == "" {
			token = r.PostFormValue("csrf_token")
		}

		// Double-submit: when the cookie copy is present it must match
		// the token from the other channel.
		if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
			if token != cookie.Value {
				m.reject(w, r, sessionID, ReasonSignatureInvalid)
				return
			}
		}

		if err := m.guard.Validate(r.Context(), sessionID, token); err != nil {
			m.reject(w, r, sessionID, ReasonOf(err))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// IssueHandler returns a handler that issues a token for the request's
// session and mirrors it into the double-submit cookie.
func (m *Middleware) IssueHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := rbac.PrincipalFromContext(r.Context())
		if !ok || principal.SessionID == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"code":401,"reason":"authentication_required"}}`)
			return
		}

		token, err := m.guard.Issue(principal.SessionID)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"code":500,"reason":"token_issue_failed"}}`)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     CookieName,
			Value:    token,
			Path:     "/",
			MaxAge:   int(m.guard.TTL().Seconds()),
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteStrictMode,
		})
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"csrf_token":%q}`, token)
	})
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, sessionID string, reason Reason) {
	if m.rejections != nil {
		m.rejections.RecordCSRFRejected(r, sessionID, reason)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	fmt.Fprintf(w, `{"error":{"code":403,"reason":"csrf_validation_failed","detail":%q}}`, string(reason))
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
