// Package api provides the HTTP control surface: event submission,
// entity reads, saga administration, and dead letter management.
package api

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/eventra/eventra/config"
	"github.com/eventra/eventra/pkg/api/handlers"
	"github.com/eventra/eventra/pkg/api/middleware"
	"github.com/eventra/eventra/pkg/logger"
)

// Handlers holds the HTTP handlers wired into the router. Nil handlers
// leave their routes unregistered.
type Handlers struct {
	// Events handles event submission and entity reads.
	Events *handlers.EventHandler

	// Sagas handles saga administration.
	Sagas *handlers.SagaHandler

	// DLQ handles dead letter inspection, replay, and discard.
	DLQ *handlers.DLQHandler

	// Health handles liveness, readiness, and status probes.
	Health *handlers.HealthHandler

	// WebSocket streams saga lifecycle notifications.
	WebSocket *handlers.WebSocketHandler

	// Metrics is the optional metrics recorder.
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a chi router with the middleware chain and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}

	r.Use(middleware.CORS(&cfg.Server.CORS))
	r.Use(middleware.Timeout(cfg.Server.HTTP.ReadTimeout))

	RegisterRoutes(r, h)

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.Events != nil {
			r.Post("/events", h.Events.Submit)
			r.Route("/entities/{key}", func(r chi.Router) {
				r.Get("/", h.Events.View)
				r.Get("/events", h.Events.History)
			})
		}

		if h.Sagas != nil {
			r.Route("/sagas", func(r chi.Router) {
				r.Post("/", h.Sagas.Start)
				r.Get("/", h.Sagas.List)
				r.Get("/{id}", h.Sagas.Get)
				r.Get("/{id}/timeline", h.Sagas.Timeline)
				r.Post("/{id}/compensate", h.Sagas.Compensate)
				r.Post("/{id}/resume", h.Sagas.Resume)
			})
		}

		if h.DLQ != nil {
			r.Route("/dlq", func(r chi.Router) {
				r.Get("/", h.DLQ.List)
				r.Get("/count", h.DLQ.Count)
				r.Get("/{id}", h.DLQ.Get)
				r.Post("/{id}/replay", h.DLQ.Replay)
				r.Delete("/{id}", h.DLQ.Discard)
			})
		}
	})

	// Probes stay unversioned for load balancers.
	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
		r.Get("/status", h.Health.Status)
	}

	if h.WebSocket != nil {
		r.Handle("/ws/events", h.WebSocket)
	}

	r.Get("/swagger/doc.json", openAPIDocument)
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
}
