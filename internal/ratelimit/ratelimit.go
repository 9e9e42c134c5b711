// Package ratelimit tracks request counts per identity inside rolling
// windows and escalates to timed blocks on threshold breach.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"desagate/internal/logger"
	"desagate/internal/store"
)

// Type selects one row of the limiter configuration table.
type Type string

const (
	// TypeAuth guards authentication attempts: low max, long block.
	TypeAuth Type = "auth"
	// TypeAPI guards general API traffic: high max, short block.
	TypeAPI Type = "api"
	// TypeExport guards bulk data exports.
	TypeExport Type = "export"
)

// Config is one limiter-type's window and block settings. The block
// duration is independent of and typically longer than the window;
// that asymmetry is the escalation, not an accident.
type Config struct {
	Window        time.Duration
	MaxHits       int64
	BlockDuration time.Duration
}

// DefaultConfigs returns the static per-type configuration table.
func DefaultConfigs() map[Type]Config {
	return map[Type]Config{
		TypeAuth:   {Window: time.Minute, MaxHits: 5, BlockDuration: 15 * time.Minute},
		TypeAPI:    {Window: time.Minute, MaxHits: 100, BlockDuration: time.Minute},
		TypeExport: {Window: time.Hour, MaxHits: 10, BlockDuration: time.Hour},
	}
}

// Result reports one rate-limit decision.
type Result struct {
	Allowed    bool
	Blocked    bool
	Limit      int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration
	Reason     string
}

var errUnknownType = errors.New("ratelimit: unknown limiter type")

// Limiter enforces per-identity rolling windows over the shared
// counter store. When the store is unreachable the limiter fails OPEN:
// locking out all traffic on a dependency outage is worse than
// briefly not limiting. This is the opposite policy from the
// permission resolver and must stay that way.
type Limiter struct {
	store   store.Store
	configs map[Type]Config
	denials DenialRecorder
	log     *slog.Logger
}

// NewLimiter creates a limiter with the given configuration table.
// A nil table gets DefaultConfigs.
func NewLimiter(st store.Store, configs map[Type]Config) (*Limiter, error) {
	if st == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	if configs == nil {
		configs = DefaultConfigs()
	}
	return &Limiter{
		store:   st,
		configs: configs,
		log:     logger.WithComponent("ratelimit"),
	}, nil
}

// Check records a hit for (typ, identity) and reports whether the
// request is allowed. Breaching the window clears the counting key and
// sets a block whose TTL outlives the window.
func (l *Limiter) Check(ctx context.Context, typ Type, identity string) Result {
	cfg, ok := l.configs[typ]
	if !ok {
		l.log.Error("rate limit check with unknown type", "type", string(typ))
		return Result{Allowed: true, Reason: "unknown_type"}
	}

	blockKey := blockKey(typ, identity)
	countKey := countKey(typ, identity)
	now := time.Now()

	blocked, err := l.store.Exists(ctx, blockKey)
	if err != nil {
		return l.failOpen(cfg, "block lookup", err)
	}
	if blocked {
		retry := cfg.BlockDuration
		if ttl, err := l.store.TTL(ctx, blockKey); err == nil && ttl > 0 {
			retry = ttl
		}
		return Result{
			Blocked:    true,
			Limit:      cfg.MaxHits,
			Remaining:  0,
			Reset:      now.Add(retry),
			RetryAfter: retry,
			Reason:     "blocked",
		}
	}

	hits, err := l.store.Increment(ctx, countKey, cfg.Window)
	if err != nil {
		return l.failOpen(cfg, "increment", err)
	}

	if hits > cfg.MaxHits {
		// Escalate: the block replaces the window so no stale count
		// lingers after it expires.
		if err := l.store.SetWithTTL(ctx, blockKey, "1", cfg.BlockDuration); err != nil {
			return l.failOpen(cfg, "set block", err)
		}
		if err := l.store.Delete(ctx, countKey); err != nil {
			l.log.Warn("failed to clear rate window after block",
				"key", countKey, "error", err.Error())
		}
		l.log.Warn("rate limit block created",
			"type", string(typ),
			"identity", identity,
			"hits", hits,
			"block_duration", cfg.BlockDuration.String(),
		)
		return Result{
			Blocked:    true,
			Limit:      cfg.MaxHits,
			Remaining:  0,
			Reset:      now.Add(cfg.BlockDuration),
			RetryAfter: cfg.BlockDuration,
			Reason:     "limit_exceeded",
		}
	}

	reset := now.Add(cfg.Window)
	if ttl, err := l.store.TTL(ctx, countKey); err == nil && ttl > 0 {
		reset = now.Add(ttl)
	}
	return Result{
		Allowed:   true,
		Limit:     cfg.MaxHits,
		Remaining: cfg.MaxHits - hits,
		Reset:     reset,
	}
}

// CheckAll checks several identity dimensions and denies if any one of
// them denies. The allowed result carries the tightest remaining count.
func (l *Limiter) CheckAll(ctx context.Context, typ Type, identities ...string) Result {
	combined := Result{Allowed: true, Remaining: -1}
	for _, identity := range identities {
		res := l.Check(ctx, typ, identity)
		if !res.Allowed {
			return res
		}
		if combined.Remaining < 0 || res.Remaining < combined.Remaining {
			combined = res
		}
	}
	if combined.Remaining < 0 {
		// No identities were checked; don't leak the sentinel into
		// response headers.
		combined.Remaining = 0
	}
	return combined
}

// IsBlocked reports whether an identity is currently blocked without
// recording a hit.
func (l *Limiter) IsBlocked(ctx context.Context, typ Type, identity string) (bool, time.Duration, error) {
	key := blockKey(typ, identity)
	blocked, err := l.store.Exists(ctx, key)
	if err != nil {
		return false, 0, err
	}
	if !blocked {
		return false, 0, nil
	}
	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		return true, 0, err
	}
	return true, ttl, nil
}

// Reset clears the window and any block for an identity. This is the
// administrative unblock path.
func (l *Limiter) Reset(ctx context.Context, typ Type, identity string) error {
	if err := l.store.Delete(ctx, countKey(typ, identity)); err != nil {
		return err
	}
	return l.store.Delete(ctx, blockKey(typ, identity))
}

func (l *Limiter) failOpen(cfg Config, op string, err error) Result {
	l.log.Error("counter store unavailable, allowing request", "op", op, "error", err.Error())
	return Result{
		Allowed:   true,
		Limit:     cfg.MaxHits,
		Remaining: cfg.MaxHits,
		Reset:     time.Now().Add(cfg.Window),
		Reason:    "store_unavailable",
	}
}

func countKey(typ Type, identity string) string {
	return store.KeyPrefixRateLimit + string(typ) + ":" + identity
}

func blockKey(typ Type, identity string) string {
	return store.KeyPrefixRateLimitBlock + string(typ) + ":" + identity
}
