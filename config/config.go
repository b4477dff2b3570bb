package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for the audit trail. When nil, audit uses main DB.
	Governance    GovernanceConfig
	Spool         SpoolConfig
	Identity      IdentityConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// GovernanceConfig holds the closed vocabularies and decision rules for
// manifest processing. Scopes and action types are deployment-configured;
// unknown values are rejected at the boundary.
type GovernanceConfig struct {
	Scopes            []string
	ActionTypes       []string
	TTLLow            time.Duration
	TTLMedium         time.Duration
	TTLHigh           time.Duration
	TTLCritical       time.Duration
	AllowSelfApproval bool
	PolicyFile        string // Optional YAML policy seed applied at startup
	PolicyCacheTTL    time.Duration
}

// TTLFor returns the proposal time-to-live for a risk level.
// Higher risk means a shorter decision window.
func (g *GovernanceConfig) TTLFor(risk models.RiskLevel) time.Duration {
	switch risk {
	case models.RiskLow:
		return g.TTLLow
	case models.RiskMedium:
		return g.TTLMedium
	case models.RiskHigh:
		return g.TTLHigh
	case models.RiskCritical:
		return g.TTLCritical
	default:
		return g.TTLMedium
	}
}

// KnownScope returns true if scope is in the configured closed set.
func (g *GovernanceConfig) KnownScope(scope string) bool {
	for _, s := range g.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// KnownAction returns true if action is in the configured closed set.
func (g *GovernanceConfig) KnownAction(action string) bool {
	for _, a := range g.ActionTypes {
		if a == action {
			return true
		}
	}
	return false
}

// SpoolConfig holds filesystem spool configuration for the runner handoff
type SpoolConfig struct {
	Dir        string
	StaleAfter time.Duration // Heartbeat older than this marks the runner stale
}

// IdentityConfig holds identity consumption configuration. The service never
// issues tokens; it verifies what the upstream gateway minted.
type IdentityConfig struct {
	GatewaySecret string // HS256 secret shared with the gateway; empty enables header identity in development
	RunnerToken   string // Shared secret the runner presents on job report endpoints
}

// AuditConfig holds audit pipeline configuration
type AuditConfig struct {
	BufferSize    int
	WorkerCount   int
	InsertTimeout time.Duration
	RetryDelay    time.Duration
	MaxAttempts   int
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or text
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Governance: GovernanceConfig{
			Scopes: getEnvAsSlice("VSI_SCOPES", []string{
				"ui.theme", "ui.layout", "persona.profile", "persona.instructions",
				"memory.index", "files.workspace",
			}),
			ActionTypes:       getEnvAsSlice("VSI_ACTION_TYPES", []string{"create", "update", "delete", "rename"}),
			TTLLow:            getEnvAsDuration("VSI_TTL_LOW", 72*time.Hour),
			TTLMedium:         getEnvAsDuration("VSI_TTL_MEDIUM", 24*time.Hour),
			TTLHigh:           getEnvAsDuration("VSI_TTL_HIGH", 6*time.Hour),
			TTLCritical:       getEnvAsDuration("VSI_TTL_CRITICAL", time.Hour),
			AllowSelfApproval: getEnvAsBool("VSI_ALLOW_SELF_APPROVAL", false),
			PolicyFile:        getEnv("VSI_POLICY_FILE", ""),
			PolicyCacheTTL:    getEnvAsDuration("VSI_POLICY_CACHE_TTL", time.Minute),
		},
		Spool: SpoolConfig{
			Dir:        getEnv("VSI_SPOOL_DIR", "spool"),
			StaleAfter: getEnvAsDuration("VSI_RUNNER_STALE_AFTER", 30*time.Second),
		},
		Identity: IdentityConfig{
			GatewaySecret: getEnv("VSI_GATEWAY_SECRET", ""),
			RunnerToken:   getEnv("VSI_RUNNER_TOKEN", ""),
		},
		Audit: AuditConfig{
			BufferSize:    getEnvAsInt("AUDIT_BUFFER_SIZE", 1024),
			WorkerCount:   getEnvAsInt("AUDIT_WORKER_COUNT", 2),
			InsertTimeout: getEnvAsDuration("AUDIT_INSERT_TIMEOUT", 3*time.Second),
			RetryDelay:    getEnvAsDuration("AUDIT_RETRY_DELAY", 2*time.Second),
			MaxAttempts:   getEnvAsInt("AUDIT_MAX_ATTEMPTS", 5),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	// Database validation (DATABASE_URL or DB_* vars)
	if c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
	}
	if c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if len(c.Governance.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required: set VSI_SCOPES")
	}
	if len(c.Governance.ActionTypes) == 0 {
		return fmt.Errorf("at least one action type is required: set VSI_ACTION_TYPES")
	}

	if c.Spool.Dir == "" {
		return fmt.Errorf("spool directory is required: set VSI_SPOOL_DIR")
	}

	// Identity validation (required in production; development falls back to
	// trusted headers)
	if c.IsProduction() {
		if c.Identity.GatewaySecret == "" {
			return fmt.Errorf("gateway secret is required in production: set VSI_GATEWAY_SECRET")
		}
		if c.Identity.RunnerToken == "" {
			return fmt.Errorf("runner token is required in production: set VSI_RUNNER_TOKEN")
		}
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "dev"),
		Password:        getEnv("DB_PASSWORD", "governance_password"),
		Database:        getEnv("DB_NAME", "governance"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadAuditDatabaseConfig loads audit DB config from DATABASE_URL_AUDIT.
// Returns nil when not set (audit uses main DB).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
