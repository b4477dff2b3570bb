package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/TitaniumShinobi/vsi-governance/config"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	// Check if we can query
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		-- Manifests table. Manifests are never deleted; status carries the
		-- full lifecycle and version guards concurrent writers.
		CREATE TABLE IF NOT EXISTS manifests (
			id UUID PRIMARY KEY,
			construct_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			scope VARCHAR(100) NOT NULL,
			target TEXT NOT NULL,
			action VARCHAR(50) NOT NULL,
			current_state JSONB,
			proposed_state JSONB NOT NULL,
			rationale TEXT NOT NULL DEFAULT '',
			risk_level VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			job_id UUID,
			result JSONB,
			failure_reason TEXT,
			preview_data JSONB,
			previewed_at TIMESTAMP,
			approved_by VARCHAR(255),
			approved_at TIMESTAMP,
			rejected_by VARCHAR(255),
			rejected_at TIMESTAMP,
			reject_reason TEXT,
			queued_at TIMESTAMP,
			executed_at TIMESTAMP,
			rolled_back_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMP NOT NULL,
			CONSTRAINT manifests_expiry_after_creation CHECK (expires_at > created_at)
		);

		-- Construct policies table, one JSONB document row per construct
		CREATE TABLE IF NOT EXISTS construct_policies (
			construct_id VARCHAR(255) PRIMARY KEY,
			permitted_scopes JSONB NOT NULL DEFAULT '[]',
			rules JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Audit entries table, append-only; seq orders entries per construct
		CREATE TABLE IF NOT EXISTS audit_entries (
			id UUID PRIMARY KEY,
			seq BIGSERIAL UNIQUE,
			construct_id VARCHAR(255) NOT NULL,
			manifest_id UUID NOT NULL,
			event VARCHAR(50) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			payload JSONB,
			request_id VARCHAR(255),
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Indexes for performance
		CREATE INDEX IF NOT EXISTS idx_manifests_construct_id ON manifests(construct_id);
		CREATE INDEX IF NOT EXISTS idx_manifests_status ON manifests(status);
		CREATE INDEX IF NOT EXISTS idx_manifests_job_id ON manifests(job_id);
		CREATE INDEX IF NOT EXISTS idx_manifests_expires_at ON manifests(expires_at);
		CREATE INDEX IF NOT EXISTS idx_manifests_created_at ON manifests(created_at);

		CREATE INDEX IF NOT EXISTS idx_audit_entries_construct_seq ON audit_entries(construct_id, seq);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_manifest_id ON audit_entries(manifest_id);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

// InitAuditSchema initializes the audit database schema (audit_entries only).
// Use for the separate audit database when DATABASE_URL_AUDIT is set.
func (db *DB) InitAuditSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id UUID PRIMARY KEY,
			seq BIGSERIAL UNIQUE,
			construct_id VARCHAR(255) NOT NULL,
			manifest_id UUID NOT NULL,
			event VARCHAR(50) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			payload JSONB,
			request_id VARCHAR(255),
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_construct_seq ON audit_entries(construct_id, seq);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_manifest_id ON audit_entries(manifest_id);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	db.logger.Info("audit schema initialized successfully")
	return nil
}
