package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/chat-agent/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/chat-agent/internal/http/middleware"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

// Config holds router configuration. Nil handlers leave their routes unmounted.
type Config struct {
	Logger          *logging.Logger
	InboundWebhook  *handlers.InboundWebhookHandler
	AdminOutbound   *handlers.AdminOutboundHandler
	AdminModes      *handlers.AdminModesHandler
	AdminOps        *handlers.AdminOpsHandler
	AdminAuthSecret string
	MetricsHandler  http.Handler

	// WebhookLimiter throttles the public inbound webhook per client address.
	WebhookLimiter *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", handlers.Health)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.InboundWebhook != nil {
			public.With(httpmiddleware.RateLimit(cfg.WebhookLimiter)).
				Post("/webhooks/inbound", cfg.InboundWebhook.Handle)
		}
	})

	// Operator endpoints
	r.Route("/admin", func(admin chi.Router) {
		admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
		if cfg.AdminOutbound != nil {
			admin.Post("/outbound/send", cfg.AdminOutbound.Send)
		}
		if cfg.AdminModes != nil {
			admin.Route("/conversations/{conversationID}/mode", func(r chi.Router) {
				r.Get("/", cfg.AdminModes.Get)
				r.Put("/", cfg.AdminModes.Set)
			})
		}
		if cfg.AdminOps != nil {
			admin.Get("/audit", cfg.AdminOps.Audit)
			admin.Get("/tasks", cfg.AdminOps.Tasks)
		}
	})

	return r
}
