package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/metrics"
)

// RouterConfig controls the API rate limit. A nil Limiter disables it.
type RouterConfig struct {
	Limiter        RequestLimiter
	LimitPerWindow int
}

// NewRouter mounts the admin API under /v1 plus /health and /metrics.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.LimitPerWindow, logger, IPKeyFunc))

		r.Post("/events", h.SubmitEvent)
		r.Get("/stats", h.Stats)

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", h.CreateRule)
			r.Get("/", h.ListRules)
			r.Get("/{id}", h.GetRule)
			r.Put("/{id}", h.UpdateRule)
		})
		r.Route("/channels", func(r chi.Router) {
			r.Post("/", h.CreateChannel)
			r.Get("/", h.ListChannels)
			r.Get("/{id}", h.GetChannel)
			r.Put("/{id}", h.UpdateChannel)
		})
		r.Route("/templates", func(r chi.Router) {
			r.Post("/", h.CreateTemplate)
			r.Get("/", h.ListTemplates)
			r.Get("/{id}", h.GetTemplate)
			r.Put("/{id}", h.UpdateTemplate)
		})

		r.Get("/alerts", h.ListAlerts)
		r.Get("/alerts/{id}", h.GetAlert)
		r.Post("/alerts/{id}/acknowledge", h.AcknowledgeAlert)
		r.Post("/alerts/{id}/resolve", h.ResolveAlert)
		r.Post("/alerts/{id}/escalate", h.EscalateAlert)

		r.Get("/notifications", h.ListNotifications)
		r.Get("/notifications/{id}", h.GetNotification)
		r.Post("/notifications/{id}/delivered", h.ConfirmDelivered)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
