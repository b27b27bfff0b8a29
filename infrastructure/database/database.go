// Package database provides the shared data-access service: a Postgres
// connection pool with startup migrations and health checking.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/shellhost/shellhost/infrastructure/logging"
	"github.com/shellhost/shellhost/infrastructure/registry"
	"github.com/shellhost/shellhost/infrastructure/resilience"
)

// Contract resolves to a *DB in the root scope. The service is optional:
// with no DSN configured the contract stays unregistered and modules that
// need it report Degraded.
const Contract = registry.ContractID("host.database")

// Config configures the pool.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// MigrationsPath, when set, runs file-based migrations at startup.
	MigrationsPath string
}

// DB wraps the sqlx pool.
type DB struct {
	*sqlx.DB
	logger *logging.Logger
}

// New opens the pool and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *logging.Logger) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database: DSN is required")
	}
	if logger == nil {
		logger = logging.NewFromEnv("database")
	}

	pool, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pool.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		pool.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// Databases routinely come up after the host in orchestrated
	// deployments; retry the first contact with backoff.
	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err = resilience.Retry(pingCtx, resilience.DefaultRetryConfig(), func() error {
		attemptCtx, attemptCancel := context.WithTimeout(pingCtx, 10*time.Second)
		defer attemptCancel()
		return pool.PingContext(attemptCtx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	db := &DB{DB: pool, logger: logger}
	if cfg.MigrationsPath != "" {
		if err := runMigrations(cfg, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return db, nil
}

// NewFromPool wraps an existing pool; used by tests with sqlmock.
func NewFromPool(pool *sqlx.DB, logger *logging.Logger) *DB {
	if logger == nil {
		logger = logging.NewFromEnv("database")
	}
	return &DB{DB: pool, logger: logger}
}

func runMigrations(cfg Config, logger *logging.Logger) error {
	m, err := migrate.New("file://"+cfg.MigrationsPath, cfg.DSN)
	if err != nil {
		return fmt.Errorf("database: migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("database: migrate up: %w", err)
	}
	logger.WithFields(map[string]interface{}{
		"path": cfg.MigrationsPath,
	}).Info("database migrations applied")
	return nil
}

// HealthCheck pings the pool within a bounded deadline.
func (db *DB) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(checkCtx)
}

// Stats exposes pool statistics for the info endpoint.
func (db *DB) Stats() map[string]interface{} {
	stats := db.DB.Stats()
	return map[string]interface{}{
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
	}
}

// Close shuts the pool down.
func (db *DB) Close() error { return db.DB.Close() }
