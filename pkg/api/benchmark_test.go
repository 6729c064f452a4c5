package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eventra/eventra/pkg/api/models"
)

func BenchmarkSubmitEvent(b *testing.B) {
	a := newTestAPI(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(models.EventSubmitRequest{
			EventType: "BalanceChanged",
			EntityKey: fmt.Sprintf("acct-%d", i%16),
			Payload:   map[string]any{"delta": 1.0},
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/events", &buf)
		w := httptest.NewRecorder()
		a.router.ServeHTTP(w, req)
		if w.Code != http.StatusCreated {
			b.Fatalf("status = %d (body=%s)", w.Code, w.Body.String())
		}
	}
}

func BenchmarkViewRead(b *testing.B) {
	a := newTestAPI(b)

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(models.EventSubmitRequest{
		EventType: "BalanceChanged",
		EntityKey: "acct-bench",
		Payload:   map[string]any{"delta": 1.0},
	})
	seed := httptest.NewRequest(http.MethodPost, "/api/v1/events", &buf)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, seed)
	if w.Code != http.StatusCreated {
		b.Fatalf("seed status = %d", w.Code)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/entities/acct-bench", nil)
		w := httptest.NewRecorder()
		a.router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			b.Fatalf("status = %d", w.Code)
		}
	}
}

func BenchmarkStartSaga(b *testing.B) {
	a := newTestAPI(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(models.SagaStartRequest{
			SagaType: "Transfer",
			Wait:     true,
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sagas", &buf)
		w := httptest.NewRecorder()
		a.router.ServeHTTP(w, req)
		if w.Code != http.StatusCreated {
			b.Fatalf("status = %d (body=%s)", w.Code, w.Body.String())
		}
	}
}
