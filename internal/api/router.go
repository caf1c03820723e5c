/**
 * @description
 * HTTP router setup for the payment-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the credentials and limits the routes are guarded by.
type RouterConfig struct {
	InternalAPIKey   string
	AdminJWKSURL     string
	AdminRole        string
	AllowedOrigins   []string
	WebhookRateLimit int
	RateLimiter      RateLimiter
}

// NewRouter creates a new Chi router and registers payment routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Payment service is healthy"))
	})

	r.With(WebhookRateLimitMiddleware(cfg.RateLimiter, cfg.WebhookRateLimit, h.logger)).
		Post("/webhooks/{gateway}", h.handleWebhook)

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/orders/{id}/payments", h.handleProcessPayment)
		r.Post("/orders/{id}/reconcile", h.handleReconcileOrder)
		r.Post("/fees/quote", h.handleQuoteFees)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(cfg.AdminJWKSURL, cfg.AdminRole))
		r.Post("/orders/{id}/status", h.handleAdminStatus)
		r.Post("/orders/{id}/refunds", h.handleRefund)
		r.Post("/orders/{id}/reconcile", h.handleReconcileOrder)
		r.Get("/orders/{id}/ledger", h.handleOrderLedger)
		r.Get("/ledger/stale", h.handleStalePending)
		r.Get("/gateways", h.handleListGateways)
		r.Post("/gateways/{gateway}/sellers/{sellerID}/connect", h.handleConnectSeller)
	})

	return r
}
