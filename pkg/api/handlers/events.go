// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/eventra/eventra/pkg/api/middleware"
	"github.com/eventra/eventra/pkg/api/models"
	"github.com/eventra/eventra/pkg/api/response"
	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/eventstore"
	"github.com/eventra/eventra/pkg/logger"
	"github.com/eventra/eventra/pkg/service"
	"github.com/eventra/eventra/pkg/sourcing"
)

// EventHandler handles event submission and journal queries for one
// service runtime.
type EventHandler struct {
	runtime   *service.Runtime
	logger    logger.Logger
	validator *validator.Validate
}

// NewEventHandler creates an event handler.
func NewEventHandler(rt *service.Runtime, log logger.Logger) *EventHandler {
	return &EventHandler{
		runtime:   rt,
		logger:    log,
		validator: validator.New(),
	}
}

// Submit handles POST /api/v1/events. The request blocks until the
// pipeline completes the event, so the response carries the final
// outcome: a processed event answers 201, anything the pipeline
// rejected answers 422 with the failing stage and reason.
func (h *EventHandler) Submit(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())

	var req models.EventSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", requestID)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), requestID)
		return
	}

	schema := req.Schema
	if schema == "" {
		schema = h.runtime.Name()
	}
	payload := event.NewRecord(schema)
	for field, value := range req.Payload {
		payload.Set(field, value)
	}

	ev, err := event.New(event.NewEventInput{
		EventType:    req.EventType,
		EntityKey:    req.EntityKey,
		Payload:      payload,
		EventVersion: req.EventVersion,
	})
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, err.Error(), requestID)
		return
	}

	fut, err := h.runtime.HandleEvent(r.Context(), ev, sourcing.CorrelationIDFrom(r.Context()), nil)
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	info, err := fut.Wait(r.Context())
	if err != nil {
		response.Error(w, http.StatusGatewayTimeout, response.ErrCodeGatewayTimeout, err.Error(), requestID)
		return
	}

	resp := models.EventSubmitResponse{
		EventID:     info.EventID,
		EventType:   ev.EventType,
		EntityKey:   ev.EntityKey,
		Outcome:     string(info.Outcome),
		Stage:       info.Stage,
		Error:       info.Error,
		Sequence:    info.Key.Sequence,
		SubmittedAt: info.SubmittedAt,
		CompletedAt: info.CompletedAt,
	}
	status := http.StatusCreated
	if !info.Succeeded() {
		status = http.StatusUnprocessableEntity
	}
	response.JSON(w, status, resp)
}

// History handles GET /api/v1/entities/{key}/events. The journal slice
// is returned in sequence order.
func (h *EventHandler) History(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())

	entityKey := chi.URLParam(r, "key")
	if entityKey == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "entity key is required", requestID)
		return
	}

	stored, err := h.runtime.Journal().ForEntity(r.Context(), entityKey)
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}

	events := make([]models.StoredEventResponse, 0, len(stored))
	for _, se := range stored {
		events = append(events, storedEventResponse(se))
	}
	response.JSON(w, http.StatusOK, models.EventHistoryResponse{
		EntityKey: entityKey,
		Events:    events,
		Total:     len(events),
	})
}

// View handles GET /api/v1/entities/{key}. It answers the current
// materialized view, 404 when no event has touched the entity yet.
func (h *EventHandler) View(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())

	entityKey := chi.URLParam(r, "key")
	if entityKey == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "entity key is required", requestID)
		return
	}

	rec, ok, err := h.runtime.Views().Get(r.Context(), entityKey)
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	if !ok {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "entity not found", requestID)
		return
	}

	response.JSON(w, http.StatusOK, models.ViewResponse{
		EntityKey: entityKey,
		Schema:    rec.Schema,
		Fields:    rec.Fields,
	})
}

func storedEventResponse(se eventstore.StoredEvent) models.StoredEventResponse {
	resp := models.StoredEventResponse{
		Sequence: se.Key.Sequence,
	}
	if se.Event != nil {
		resp.EventID = se.Event.EventID
		resp.EventType = se.Event.EventType
		resp.EntityKey = se.Event.EntityKey
		resp.CorrelationID = se.Event.CorrelationID
		resp.SagaID = se.Event.SagaID
		resp.Timestamp = se.Event.Timestamp
		if se.Event.Payload != nil {
			resp.Payload = se.Event.Payload.Fields
		}
	}
	return resp
}

// getRequestID extracts the request ID from context.
func getRequestID(ctx context.Context) string {
	if id := middleware.GetRequestID(ctx); id != "" {
		return id
	}
	return "unknown"
}
