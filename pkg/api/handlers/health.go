package handlers

import (
	"context"
	"net/http"

	"github.com/eventra/eventra/pkg/api/response"
)

// Prober reports runtime health. *service.Runtime satisfies it.
type Prober interface {
	Healthy() bool
	Ready() bool
	Status(ctx context.Context) map[string]any
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	runtime Prober
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(rt Prober) *HealthHandler {
	return &HealthHandler{runtime: rt}
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.runtime.Healthy() {
		response.JSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	} else {
		response.JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
		})
	}
}

// Ready handles the /ready endpoint (readiness probe).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.runtime.Ready() {
		response.JSON(w, http.StatusOK, map[string]bool{
			"ready": true,
		})
	} else {
		response.JSON(w, http.StatusServiceUnavailable, map[string]bool{
			"ready": false,
		})
	}
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.runtime.Status(r.Context()))
}
