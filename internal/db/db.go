// Package db persists audit events, security alerts, and the role
// catalog. A single implementation over database/sql serves both
// SQLite and PostgreSQL; queries are written with ? placeholders and
// rebound per dialect.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"desagate/internal/logger"
)

// Config holds database connection settings.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns settings for a local SQLite database.
func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite",
		DSN:             "desagate.db",
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Database wraps a sql.DB plus the repositories over it.
type Database struct {
	sql    *sql.DB
	driver string
	log    *slog.Logger

	events  *EventRepo
	alerts  *AlertRepo
	catalog *Catalog
}

// New opens a database connection for the configured driver, verifies
// it, and applies pending migrations.
func New(ctx context.Context, config Config) (*Database, error) {
	var (
		driverName string
		dsn        = config.DSN
	)
	switch config.Driver {
	case "sqlite", "sqlite3":
		driverName = "sqlite3"
		if dsn == "" {
			dsn = "desagate.db"
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000"
		}
	case "postgres", "postgresql":
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", config.Driver, err)
	}

	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	} else if driverName == "sqlite3" {
		// SQLite supports a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping %s database: %w", config.Driver, err)
	}

	d := newDatabase(sqlDB, driverName)
	if err := d.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func newDatabase(sqlDB *sql.DB, driverName string) *Database {
	d := &Database{
		sql:    sqlDB,
		driver: driverName,
		log:    logger.WithComponent("db"),
	}
	d.events = &EventRepo{d: d}
	d.alerts = &AlertRepo{d: d}
	d.catalog = &Catalog{d: d}
	return d
}

// Events returns the audit event repository.
func (d *Database) Events() *EventRepo { return d.events }

// Alerts returns the security alert repository.
func (d *Database) Alerts() *AlertRepo { return d.alerts }

// Catalog returns the role catalog.
func (d *Database) Catalog() *Catalog { return d.catalog }

// Ping verifies the connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (d *Database) Close() error {
	return d.sql.Close()
}

// rebind rewrites ? placeholders to $1..$n for PostgreSQL. SQLite
// queries pass through unchanged.
func (d *Database) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
