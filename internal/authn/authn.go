// Package authn authenticates requests from signed session tokens and
// places the resulting principal on the request context.
package authn

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"desagate/internal/logger"
	"desagate/internal/rbac"
)

// DefaultTokenTTL bounds how long an issued session token stays valid.
const DefaultTokenTTL = 8 * time.Hour

// ErrInvalidToken is returned for tokens that fail parsing, signature
// verification, or claim validation.
var ErrInvalidToken = errors.New("authn: invalid token")

// Claims are the session claims carried inside the JWT.
type Claims struct {
	Role      string `json:"role"`
	Active    bool   `json:"active"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 session tokens.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	log    *slog.Logger
}

// NewAuthenticator builds an authenticator. The secret must not be
// empty; token signing with a guessable key is worse than no auth.
func NewAuthenticator(secret []byte, issuer string, ttl time.Duration) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("authn: signing secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authenticator{
		secret: secret,
		issuer: issuer,
		ttl:    ttl,
		log:    logger.WithComponent("authn"),
	}, nil
}

// IssueToken signs a session token for the principal.
func (a *Authenticator) IssueToken(p rbac.Principal) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:      p.Role,
		Active:    p.Active,
		SessionID: p.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses and validates a session token, returning the
// embedded principal.
func (a *Authenticator) VerifyToken(tokenString string) (rbac.Principal, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return rbac.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return rbac.Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return rbac.Principal{
		UserID:    claims.Subject,
		Role:      claims.Role,
		Active:    claims.Active,
		SessionID: claims.SessionID,
	}, nil
}

// Middleware authenticates the request from its Bearer token. Requests
// without a valid token get 401; handlers behind this middleware can
// rely on a principal being present.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			writeUnauthorized(w, "missing_token")
			return
		}
		principal, err := a.VerifyToken(tokenString)
		if err != nil {
			a.log.Warn("token verification failed",
				"path", r.URL.Path,
				"error", err.Error(),
			)
			writeUnauthorized(w, "invalid_token")
			return
		}
		next.ServeHTTP(w, r.WithContext(rbac.ContextWithPrincipal(r.Context(), principal)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

func writeUnauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":{"code":401,"reason":%q}}`, reason)
}
