// Package csrf issues and validates signed, session-bound, single-use
// tokens for state-changing requests.
package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"desagate/internal/logger"
	"desagate/internal/store"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 2 * time.Hour

// MinimumSecretLength guards against weak signing keys.
const MinimumSecretLength = 32

// Reason is the machine-readable cause of a validation failure. All
// reasons surface as the same denial class so callers cannot be used
// as an oracle; the reason is for logs only.
type Reason string

const (
	ReasonMissingToken     Reason = "missing_token"
	ReasonMalformedToken   Reason = "malformed_token"
	ReasonSessionMismatch  Reason = "session_mismatch"
	ReasonTokenExpired     Reason = "token_expired"
	ReasonSignatureInvalid Reason = "signature_mismatch"
	ReasonTokenReplayed    Reason = "token_replayed"
	ReasonStoreUnavailable Reason = "store_unavailable"
)

// ErrValidationFailed is the single denial class for all CSRF failures.
var ErrValidationFailed = errors.New("csrf validation failed")

// DeniedError carries the reason behind a validation failure and
// unwraps to ErrValidationFailed.
type DeniedError struct {
	Reason Reason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("csrf validation failed: %s", e.Reason)
}

func (e *DeniedError) Unwrap() error {
	return ErrValidationFailed
}

func denied(reason Reason) error {
	return &DeniedError{Reason: reason}
}

// ReasonOf extracts the machine-readable reason from a validation
// error, or empty when err is not a CSRF denial.
func ReasonOf(err error) Reason {
	var d *DeniedError
	if errors.As(err, &d) {
		return d.Reason
	}
	return ""
}

// Guard issues and validates tokens. Token layout is
// sessionID:issuedAtMillis:nonce:signature where the signature is an
// HMAC-SHA256 over the first three fields with the server secret.
// Validation fails closed when the used-token store is unreachable.
type Guard struct {
	secret []byte
	ttl    time.Duration
	store  store.Store
	log    *slog.Logger
	now    func() time.Time
}

// NewGuard creates a guard. The secret must be at least
// MinimumSecretLength bytes.
func NewGuard(secret []byte, ttl time.Duration, st store.Store) (*Guard, error) {
	if len(secret) < MinimumSecretLength {
		return nil, fmt.Errorf("csrf: secret must be at least %d bytes", MinimumSecretLength)
	}
	if st == nil {
		return nil, errors.New("csrf: store is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		secret: secret,
		ttl:    ttl,
		store:  st,
		log:    logger.WithComponent("csrf"),
		now:    time.Now,
	}, nil
}

// Issue generates a token bound to sessionID.
func (g *Guard) Issue(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return "", errors.New("csrf: invalid session id")
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("csrf: generate nonce: %w", err)
	}

	payload := sessionID + ":" + strconv.FormatInt(g.now().UnixMilli(), 10) + ":" + hex.EncodeToString(nonce)
	return payload + ":" + g.sign(payload), nil
}

// Validate checks a token presented by sessionID and, on success,
// consumes it: the same token can never validate twice. Checks
// short-circuit on the first failure.
func (g *Guard) Validate(ctx context.Context, sessionID, token string) error {
	if strings.TrimSpace(token) == "" {
		return denied(ReasonMissingToken)
	}

	parts := strings.Split(token, ":")
	if len(parts) != 4 {
		return denied(ReasonMalformedToken)
	}
	tokenSession, rawMillis, nonce, signature := parts[0], parts[1], parts[2], parts[3]
	if tokenSession == "" || nonce == "" || signature == "" {
		return denied(ReasonMalformedToken)
	}
	issuedAt, err := strconv.ParseInt(rawMillis, 10, 64)
	if err != nil {
		return denied(ReasonMalformedToken)
	}

	if tokenSession != sessionID {
		return denied(ReasonSessionMismatch)
	}

	age := g.now().Sub(time.UnixMilli(issuedAt))
	if age > g.ttl || age < 0 {
		return denied(ReasonTokenExpired)
	}

	payload := tokenSession + ":" + rawMillis + ":" + nonce
	expected := g.sign(payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return denied(ReasonSignatureInvalid)
	}

	// The atomic increment is the replay barrier: whichever request
	// lands first sees 1, every concurrent duplicate sees more.
	remaining := g.ttl - age
	uses, err := g.store.Increment(ctx, store.KeyPrefixCSRFUsed+signature, remaining)
	if err != nil {
		g.log.Error("used-token store unavailable, denying", "error", err.Error())
		return denied(ReasonStoreUnavailable)
	}
	if uses > 1 {
		return denied(ReasonTokenReplayed)
	}
	return nil
}

// TTL returns the configured token lifetime.
func (g *Guard) TTL() time.Duration {
	return g.ttl
}

func (g *Guard) sign(payload string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
