package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/TitaniumShinobi/vsi-governance/app"
	"github.com/TitaniumShinobi/vsi-governance/handlers"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-Construct-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	manifestHandler := handlers.NewManifestHandler(deps.ManifestService, deps.Logger)
	auditHandler := handlers.NewAuditHandler(deps.AuditService, deps.Logger)
	permissionHandler := handlers.NewPermissionHandler(deps.PermissionService, deps.Config.Governance, deps.Logger)
	runnerHandler := handlers.NewRunnerHandler(deps.ManifestService, deps.Spool, deps.Config.Spool.StaleAfter, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", handlers.HealthCheck(deps))
	r.Get("/readyz", handlers.ReadinessCheck(deps))

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/status", handlers.StatusHandler(deps))
		r.Get("/scopes", permissionHandler.HandleGetVocabulary)

		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireIdentity)
			r.Get("/whoami", handlers.WhoAmIHandler(deps))
		})

		// Manifest lifecycle
		r.Route("/manifests", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireIdentity)
			r.Post("/", manifestHandler.HandleProposeManifest)
			r.Get("/", manifestHandler.HandleListManifests)
			r.Get("/pending", manifestHandler.HandleListPending)
			r.Get("/{id}", manifestHandler.HandleGetManifest)
			r.Get("/{id}/preview", manifestHandler.HandlePreviewManifest)
			r.Get("/{id}/audit", auditHandler.HandleGetAuditTrail)
			r.Post("/{id}/approve", manifestHandler.HandleApproveManifest)
			r.Post("/{id}/reject", manifestHandler.HandleRejectManifest)
			r.Post("/{id}/execute", manifestHandler.HandleExecuteManifest)
			r.Post("/{id}/rollback", manifestHandler.HandleRollbackManifest)
		})

		// Audit trail
		r.Route("/audit", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireIdentity)
			r.Get("/{constructID}", auditHandler.HandleGetAuditLogs)
		})

		// Resolved permissions
		r.Route("/permissions", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireIdentity)
			r.Get("/{constructID}", permissionHandler.HandleGetPermissions)
		})

		// Runner liveness, visible to operators
		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireIdentity)
			r.Get("/runner/health", runnerHandler.HandleRunnerHealth)
		})

		// Job reports, presented by the runner itself
		r.Route("/runner/jobs", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireRunner)
			r.Post("/{jobID}/start", runnerHandler.HandleStartJob)
			r.Post("/{jobID}/complete", runnerHandler.HandleCompleteJob)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
