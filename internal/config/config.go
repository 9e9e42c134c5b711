// Package config loads runtime settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"desagate/internal/db"
	"desagate/internal/logger"
	"desagate/internal/ratelimit"
	"desagate/internal/store"
)

// Config holds everything the service needs to start.
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration

	// Session token signing.
	AuthSecret string
	AuthIssuer string
	AuthTTL    time.Duration

	// CSRF token signing.
	CSRFSecret string
	CSRFTTL    time.Duration

	DB    db.Config
	Redis store.RedisConfig

	// RateLimits overrides the built-in limit table per type.
	RateLimits map[ratelimit.Type]ratelimit.Config

	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads configuration from DESAGATE_* environment variables,
// falling back to development defaults. Secrets have no defaults; the
// components reject empty ones at construction.
func Load() Config {
	log := logger.WithComponent("config")

	cfg := Config{
		ListenAddr:      getenv("DESAGATE_LISTEN_ADDR", ":8085"),
		ShutdownTimeout: getenvDuration("DESAGATE_SHUTDOWN_TIMEOUT", 10*time.Second),

		AuthSecret: os.Getenv("DESAGATE_AUTH_SECRET"),
		AuthIssuer: getenv("DESAGATE_AUTH_ISSUER", "desagate"),
		AuthTTL:    getenvDuration("DESAGATE_AUTH_TTL", 8*time.Hour),

		CSRFSecret: os.Getenv("DESAGATE_CSRF_SECRET"),
		CSRFTTL:    getenvDuration("DESAGATE_CSRF_TTL", 2*time.Hour),

		DB: db.Config{
			Driver:          getenv("DESAGATE_DB_DRIVER", "sqlite"),
			DSN:             getenv("DESAGATE_DB_DSN", "desagate.db"),
			MaxOpenConns:    getenvInt("DESAGATE_DB_MAX_OPEN_CONNS", 0),
			MaxIdleConns:    getenvInt("DESAGATE_DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getenvDuration("DESAGATE_DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: store.RedisConfig{
			Addr:     getenv("DESAGATE_REDIS_ADDR", ""),
			Password: os.Getenv("DESAGATE_REDIS_PASSWORD"),
			DB:       getenvInt("DESAGATE_REDIS_DB", 0),
		},

		RateLimits: loadRateLimits(),

		KafkaBrokers: splitList(os.Getenv("DESAGATE_KAFKA_BROKERS")),
		KafkaTopic:   getenv("DESAGATE_KAFKA_TOPIC", "security-alerts"),
	}

	log.Info("configuration loaded",
		"listen_addr", cfg.ListenAddr,
		"db_driver", cfg.DB.Driver,
		"redis", cfg.Redis.Addr != "",
		"kafka_brokers", len(cfg.KafkaBrokers),
	)
	return cfg
}

// loadRateLimits starts from the built-in table and applies per-type
// overrides like DESAGATE_RATELIMIT_AUTH=60s:5:15m
// (window:maxHits:blockDuration).
func loadRateLimits() map[ratelimit.Type]ratelimit.Config {
	limits := ratelimit.DefaultConfigs()
	for _, typ := range []ratelimit.Type{ratelimit.TypeAuth, ratelimit.TypeAPI, ratelimit.TypeExport} {
		key := "DESAGATE_RATELIMIT_" + strings.ToUpper(string(typ))
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		cfg, ok := parseRateLimit(raw)
		if !ok {
			logger.WithComponent("config").Warn("ignoring malformed rate limit override",
				"key", key, "value", raw)
			continue
		}
		limits[typ] = cfg
	}
	return limits
}

func parseRateLimit(raw string) (ratelimit.Config, bool) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return ratelimit.Config{}, false
	}
	window, err := time.ParseDuration(strings.TrimSpace(parts[0]))
	if err != nil || window <= 0 {
		return ratelimit.Config{}, false
	}
	maxHits, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || maxHits <= 0 {
		return ratelimit.Config{}, false
	}
	block, err := time.ParseDuration(strings.TrimSpace(parts[2]))
	if err != nil || block <= 0 {
		return ratelimit.Config{}, false
	}
	return ratelimit.Config{Window: window, MaxHits: maxHits, BlockDuration: block}, true
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getenv(k, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(k string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(k string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
