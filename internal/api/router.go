package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/LeanVibe/startup-factory-sub002/internal/api/handlers"
	"github.com/LeanVibe/startup-factory-sub002/internal/api/middleware"
	"github.com/LeanVibe/startup-factory-sub002/internal/metrics"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(h.Version))
	r.Handle("/metrics", metrics.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", h.ListTenants)
			r.Post("/", h.CreateTenant)
			r.Route("/{tenantID}", func(r chi.Router) {
				r.Get("/", h.GetTenant)
				r.Delete("/", h.DeleteTenant)
				r.Post("/cancel", h.CancelTenant)
				r.Get("/budget", h.TenantBudget)
				r.Put("/budget/limit", h.SetBudgetLimit)
				r.Get("/logs", h.TenantLogs)
			})
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.SubmitTask)
			r.Get("/{taskID}", h.GetTask)
			r.Post("/{taskID}/cancel", h.CancelTask)
		})

		r.Route("/budget", func(r chi.Router) {
			r.Get("/", h.GlobalBudget)
			r.Get("/report", h.BudgetReport)
			r.Get("/alerts", h.BudgetAlerts)
		})

		r.Get("/queue/stats", h.QueueStats)
		r.Get("/resources", h.ResourceUsage)
		r.Get("/providers", h.ProviderStats)
	})

	return r
}

func versionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": version,
			"service": "startup-factory",
		})
	}
}
