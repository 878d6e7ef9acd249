/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. accessLog:  One zap line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the owner and staff portals
  6. requireUser on /api: X-User-ID must be present

ROUTE GROUPS:
  /api/swaps/*                    Swap lifecycle (requester, responder)
  /api/weeks/*                    Matching
  /api/staff/*                    Staff arbitration
  /api/owner/*                    Night credits
  /api/timeshare/night-credits/*  Direct idempotent redemption
  /api/scenarios/*                Demo data
  /healthz                        Liveness and store ping

SECURITY NOTE:
  The caller id is taken from X-User-ID as set by the upstream auth layer.
  Staff permissions are checked against property assignments per request.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type RouterOptions struct {
	// CORSOrigins defaults to any origin.
	CORSOrigins []string
	// Scenarios enables the demo scenario endpoints.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", UserHeader, IdempotencyHeader},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireUser)

		r.Route("/swaps", func(r chi.Router) {
			r.Post("/", h.CreateSwap)
			r.Get("/", h.ListSwaps)
			r.Get("/available", h.ListAvailableSwaps)
			r.Get("/{id}", h.GetSwap)
			r.Post("/{id}/offer", h.OfferSwap)
			r.Post("/{id}/accept", h.AcceptSwap)
			r.Post("/{id}/reject", h.DeclineSwap)
			r.Post("/{id}/cancel", h.CancelSwap)
			r.Post("/{id}/payment-intent", h.CreateSwapPaymentIntent)
			r.Post("/{id}/confirm-payment", h.ConfirmSwapPayment)
		})

		r.Get("/weeks/{id}/matches", h.FindMatches)
		r.Get("/availability", h.CheckAvailability)

		r.Route("/staff", func(r chi.Router) {
			r.Post("/swaps/{id}/approve", h.ApproveSwap)
			r.Post("/swaps/{id}/reject", h.RejectSwap)
			r.Patch("/night-credits/requests/{id}/approve", h.ApproveCreditRequest)
			r.Patch("/night-credits/requests/{id}/reject", h.RejectCreditRequest)
			r.Post("/night-credits/requests/{id}/complete", h.CompleteCreditRequest)
		})

		r.Route("/owner", func(r chi.Router) {
			r.Post("/weeks/{id}/convert", h.ConvertWeek)
			r.Get("/night-credits", h.ListCredits)
			r.Get("/night-credits/{id}/history", h.CreditHistory)
			r.Route("/night-credits/requests", func(r chi.Router) {
				r.Post("/", h.CreateCreditRequest)
				r.Get("/", h.ListCreditRequests)
				r.Get("/{id}", h.GetCreditRequest)
				r.Delete("/{id}", h.CancelCreditRequest)
				r.Post("/{id}/payment-intent", h.CreateCreditRequestPaymentIntent)
				r.Post("/{id}/pay", h.PayCreditRequest)
			})
		})

		r.Post("/timeshare/night-credits/{creditId}/use", h.UseCredits)

		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "route not found", Code: "not_found"})
	})

	return r
}
