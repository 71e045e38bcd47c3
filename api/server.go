/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/growers/*        Per-grower advance listing
  /api/advances/*       Advance issuance, lifecycle, voiding
  /api/allocations/*    Deduction plan preview and commit
  /api/cheques/*        Cheque lifecycle and voiding
  /api/batches/*        Batch management
  /api/distributions/*  Expected items and reconciliation
  /api/validation/*     Integrity checks

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Grower routes
		r.Route("/growers", func(r chi.Router) {
			r.Get("/{id}/advances", h.ListGrowerAdvances)
		})

		// Advance routes
		r.Route("/advances", func(r chi.Router) {
			r.Post("/", h.IssueAdvance)
			r.Post("/{id}/print", h.PrintAdvance)
			r.Post("/{id}/deliver", h.DeliverAdvance)
			r.Post("/{id}/void", h.VoidAdvance)
			r.Get("/{id}/deductions", h.ListAdvanceDeductions)
		})

		// Allocation routes
		r.Route("/allocations", func(r chi.Router) {
			r.Post("/preview", h.PreviewAllocation)
			r.Post("/commit", h.CommitAllocation)
		})

		// Cheque routes
		r.Route("/cheques", func(r chi.Router) {
			r.Get("/{id}", h.GetCheque)
			r.Post("/{id}/print", h.PrintCheque)
			r.Post("/{id}/issue", h.IssueCheque)
			r.Post("/{id}/clear", h.ClearCheque)
			r.Post("/{id}/stop", h.StopCheque)
			r.Post("/{id}/void", h.VoidCheque)
		})

		// Batch routes
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", h.CreateBatch)
			r.Get("/{id}", h.GetBatch)
			r.Post("/{id}/post", h.PostBatch)
		})

		// Distribution routes
		r.Route("/distributions", func(r chi.Router) {
			r.Post("/{id}/items", h.RegisterDistributionItem)
			r.Get("/{id}/items", h.ListDistributionItems)
			r.Post("/{id}/reconcile", h.ReconcileDistribution)
			r.Get("/{id}/report", h.GetReconciliationReport)
		})

		// Validation routes
		r.Route("/validation", func(r chi.Router) {
			r.Get("/report", h.GetValidationReport)
		})
	})

	return r
}
