package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TitaniumShinobi/vsi-governance/config"
	"github.com/TitaniumShinobi/vsi-governance/middleware"
	"github.com/TitaniumShinobi/vsi-governance/repositories"
	"github.com/TitaniumShinobi/vsi-governance/repositories/postgres"
	"github.com/TitaniumShinobi/vsi-governance/services/audit"
	"github.com/TitaniumShinobi/vsi-governance/services/capability"
	"github.com/TitaniumShinobi/vsi-governance/services/manifest"
	"github.com/TitaniumShinobi/vsi-governance/services/permission"
	"github.com/TitaniumShinobi/vsi-governance/spool"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Manifests repositories.ManifestRepository
	Policies  repositories.PolicyRepository
	AuditLogs repositories.AuditRepository
	TxManager repositories.TransactionManager

	// Execution surface
	Capabilities *capability.Registry
	StateStore   *capability.MemoryStateStore
	Spool        *spool.Spool

	// Services
	AuditService      *audit.AuditService
	PermissionService *permission.PermissionService
	ManifestService   *manifest.ManifestService

	// Identity
	AuthMiddleware *middleware.AuthMiddleware
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	// Initialize PostgreSQL
	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize repositories
	if err := deps.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	// Initialize the job spool
	if err := deps.initSpool(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize job spool: %w", err)
	}

	// Initialize governance services
	if err := deps.initServices(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Initialize identity consumption
	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the PostgreSQL database connection and factory
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	// Test the connection
	if err := d.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	// Create tables on first boot; a separate audit DB gets its own schema
	if err := factory.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))

	return nil
}

// initRepositories initializes all repository instances
func (d *Dependencies) initRepositories() error {
	repos := d.RepoFactory.NewRepositories()

	d.Manifests = repos.Manifests
	d.Policies = repos.Policies
	d.AuditLogs = repos.AuditLogs
	d.TxManager = d.RepoFactory.GetTransactionManager()

	d.Logger.Info("repositories initialized")
	return nil
}

// initSpool prepares the filesystem spool shared with the runner
func (d *Dependencies) initSpool(cfg *config.Config) error {
	s, err := spool.New(cfg.Spool.Dir, d.Logger)
	if err != nil {
		return err
	}
	d.Spool = s

	d.Logger.Info("job spool ready", zap.String("dir", cfg.Spool.Dir))
	return nil
}

// initServices wires the audit pipeline, permission cache, capability
// registry, and manifest lifecycle service.
func (d *Dependencies) initServices(ctx context.Context, cfg *config.Config) error {
	d.AuditService = audit.NewAuditService(d.AuditLogs, d.Logger, audit.Config{
		BufferSize:    cfg.Audit.BufferSize,
		WorkerCount:   cfg.Audit.WorkerCount,
		InsertTimeout: cfg.Audit.InsertTimeout,
		RetryDelay:    cfg.Audit.RetryDelay,
		MaxAttempts:   cfg.Audit.MaxAttempts,
	})
	if err := d.AuditService.Start(); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}

	d.PermissionService = permission.NewPermissionService(d.Policies, d.Logger, cfg.Governance.PolicyCacheTTL)
	if cfg.Governance.PolicyFile != "" {
		if err := d.PermissionService.SeedFromFile(ctx, d.TxManager, cfg.Governance.PolicyFile); err != nil {
			return fmt.Errorf("failed to seed policies from %s: %w", cfg.Governance.PolicyFile, err)
		}
		d.Logger.Info("policies seeded", zap.String("file", cfg.Governance.PolicyFile))
	}

	// Gateway-held state (themes, layouts, persona documents) patches
	// synchronously in process. Memory and file scopes have no registered
	// capability, so those manifests queue for the runner.
	registry := capability.NewRegistry(d.Logger)
	d.StateStore = capability.NewMemoryStateStore()
	statePatch := capability.NewStatePatch(d.StateStore, d.Logger)
	if err := registry.Register(statePatch); err != nil {
		return fmt.Errorf("failed to register statepatch capability: %w", err)
	}
	if err := registry.BindPrefix("ui.", statePatch.Name()); err != nil {
		return err
	}
	if err := registry.BindPrefix("persona.", statePatch.Name()); err != nil {
		return err
	}
	d.Capabilities = registry

	d.ManifestService = manifest.NewManifestService(
		d.Manifests,
		d.PermissionService,
		d.AuditService,
		d.Capabilities,
		d.Spool,
		cfg.Governance,
		d.Logger,
	)

	d.Logger.Info("services initialized",
		zap.Int("capabilities", registry.Count()),
		zap.Strings("bound_scopes", registry.BoundScopes()))
	return nil
}

// initAuth wires the identity middleware that verifies gateway-minted tokens
func (d *Dependencies) initAuth(cfg *config.Config) {
	d.AuthMiddleware = middleware.NewAuthMiddleware(cfg.Identity, cfg.IsDevelopment(), d.Logger)

	if cfg.Identity.GatewaySecret == "" {
		d.Logger.Warn("no gateway secret configured, accepting header identity (development only)")
	}
	if cfg.Identity.RunnerToken == "" {
		d.Logger.Warn("no runner token configured, runner endpoints disabled")
	}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	// Drain the audit retry pipeline before the DB goes away
	if d.AuditService != nil {
		if err := d.AuditService.Stop(10 * time.Second); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
