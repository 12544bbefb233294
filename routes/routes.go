package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/dispatch-core/app"
)

// SetupRoutes configures all application routes and middleware.
//
// No global timeout middleware is installed: the AI and event endpoints
// stream for as long as the model generates, and a request timeout would
// sever them mid-stream.
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Optional authentication: anonymous requests pass through and are
	// attributed to their client IP by the policy layer.
	r.Use(deps.AuthMiddleware.Authenticate)

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.Live)
	r.Get("/readyz", deps.HealthHandler.Ready)

	// AI dispatch endpoints, gated by the policy engine
	r.Route("/api/ai", func(r chi.Router) {
		r.Use(deps.PolicyMiddleware.Enforce)
		r.Post("/coding/assist", deps.AIHandler.Ask("coding", "/coding/assist"))
		r.Post("/behavioral/answer", deps.AIHandler.Ask("behavioral", "/behavioral/answer"))
		r.Post("/case/analyze", deps.AIHandler.Ask("case", "/case/analyze"))
		r.Post("/coach/natural", deps.AIHandler.Ask("coach", "/coach/natural"))
	})

	// Cross-session event feed
	r.Get("/api/events", deps.EventsHandler.Stream)

	// Admin endpoints (require admin role)
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Use(deps.AuthMiddleware.RequireRole("admin"))
		r.Get("/policies", deps.PolicyHandler.List)
		r.Post("/policies", deps.PolicyHandler.Append)
		r.Post("/policies/evaluate", deps.PolicyHandler.Evaluate)
		r.Get("/audit", deps.AuditHandler.Recent)
		r.Get("/audit/stats", deps.AuditHandler.Stats)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
