package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"desagate/internal/rbac"
)

// DenialRecorder receives rate limit denials so they reach the audit
// pipeline without this package importing it.
type DenialRecorder interface {
	RecordRateLimited(r *http.Request, limitType, reason string)
}

// WithDenialRecorder forwards denied requests to rec. Pass before
// serving; the limiter does not lock around this field.
func (l *Limiter) WithDenialRecorder(rec DenialRecorder) {
	l.denials = rec
}

// Middleware applies one limiter type to an HTTP handler. The identity
// is the client IP, and additionally the user when a principal is on
// the request; either dimension over its limit denies.
func (l *Limiter) Middleware(typ Type, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identities := []string{IdentityIP(ClientIP(r))}
		if principal, ok := rbac.PrincipalFromContext(r.Context()); ok {
			identities = append(identities, IdentityUser(principal.UserID))
		}

		res := l.CheckAll(r.Context(), typ, identities...)
		setHeaders(w, res)

		if !res.Allowed {
			if l.denials != nil {
				l.denials.RecordRateLimited(r, string(typ), res.Reason)
			}
			retry := int64(res.RetryAfter.Seconds())
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":{"code":429,"reason":%q,"retry_after":%d}}`, res.Reason, retry)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setHeaders(w http.ResponseWriter, res Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	if !res.Reset.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
	}
}
