package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeProber struct {
	healthy bool
	ready   bool
	status  map[string]any
}

func (p *fakeProber) Healthy() bool { return p.healthy }
func (p *fakeProber) Ready() bool   { return p.ready }
func (p *fakeProber) Status(ctx context.Context) map[string]any {
	return p.status
}

func TestHealthHandler_Health(t *testing.T) {
	tests := []struct {
		name       string
		healthy    bool
		wantStatus int
	}{
		{name: "healthy", healthy: true, wantStatus: http.StatusOK},
		{name: "unhealthy", healthy: false, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(&fakeProber{healthy: tt.healthy})

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			handler.Health(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Health() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHealthHandler_Ready(t *testing.T) {
	handler := NewHealthHandler(&fakeProber{ready: true})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	handler.Ready(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Ready() status = %v, want %v", w.Code, http.StatusOK)
	}

	var body map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if !body["ready"] {
		t.Error("Ready() body does not report ready")
	}
}

func TestHealthHandler_Status(t *testing.T) {
	handler := NewHealthHandler(&fakeProber{
		healthy: true,
		status: map[string]any{
			"service":     "orders",
			"healthy":     true,
			"dlq_entries": 0,
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	handler.Status(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status() status = %v, want %v", w.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if body["service"] != "orders" {
		t.Errorf("service = %v, want orders", body["service"])
	}
}
