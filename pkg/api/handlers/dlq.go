package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/eventra/eventra/pkg/api/models"
	"github.com/eventra/eventra/pkg/api/response"
	"github.com/eventra/eventra/pkg/dlq"
	"github.com/eventra/eventra/pkg/logger"
)

const defaultDLQListLimit = 50

// DLQHandler exposes the dead letter queue: inspection, replay, and
// discard.
type DLQHandler struct {
	store    dlq.Store
	replayer *dlq.Replayer
	logger   logger.Logger
}

// NewDLQHandler creates a DLQ handler.
func NewDLQHandler(store dlq.Store, replayer *dlq.Replayer, log logger.Logger) *DLQHandler {
	return &DLQHandler{
		store:    store,
		replayer: replayer,
		logger:   log,
	}
}

// List handles GET /api/v1/dlq. Filters: event_type, service, limit,
// offset.
func (h *DLQHandler) List(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	if h.store == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "dead letter queue unavailable", requestID)
		return
	}

	filter := dlq.ListFilter{Limit: defaultDLQListLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			filter.Offset = parsed
		}
	}
	filter.EventType = strings.TrimSpace(r.URL.Query().Get("event_type"))
	filter.Service = strings.TrimSpace(r.URL.Query().Get("service"))

	entries, total, err := h.store.List(r.Context(), filter)
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}

	items := make([]models.DLQEntryResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, dlqEntryResponse(entry))
	}
	response.JSON(w, http.StatusOK, models.DLQListResponse{
		Items:  items,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// Count handles GET /api/v1/dlq/count.
func (h *DLQHandler) Count(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	if h.store == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "dead letter queue unavailable", requestID)
		return
	}

	count, err := h.store.Count(r.Context())
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	response.JSON(w, http.StatusOK, map[string]int{"count": count})
}

// Get handles GET /api/v1/dlq/{id}.
func (h *DLQHandler) Get(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	if h.store == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "dead letter queue unavailable", requestID)
		return
	}

	eventID := chi.URLParam(r, "id")
	if eventID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "event id is required", requestID)
		return
	}

	entry, err := h.store.Get(r.Context(), eventID)
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	response.JSON(w, http.StatusOK, dlqEntryResponse(entry))
}

// Replay handles POST /api/v1/dlq/{id}/replay. A replay past the
// attempt limit answers 409; the entry then needs an explicit discard.
func (h *DLQHandler) Replay(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	if h.replayer == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "replay unavailable", requestID)
		return
	}

	eventID := chi.URLParam(r, "id")
	if eventID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "event id is required", requestID)
		return
	}

	if err := h.replayer.Replay(r.Context(), eventID); err != nil {
		response.HandleError(w, err, requestID)
		return
	}

	resp := models.DLQReplayResponse{OriginalEventID: eventID, Outcome: "replayed"}
	if entry, err := h.store.Get(r.Context(), eventID); err == nil {
		resp.ReplayAttempts = entry.ReplayAttempts
	}
	response.JSON(w, http.StatusOK, resp)
}

// Discard handles DELETE /api/v1/dlq/{id}.
func (h *DLQHandler) Discard(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	if h.replayer == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "discard unavailable", requestID)
		return
	}

	eventID := chi.URLParam(r, "id")
	if eventID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "event id is required", requestID)
		return
	}

	if err := h.replayer.Discard(r.Context(), eventID); err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	response.JSON(w, http.StatusOK, models.DLQDiscardResponse{
		OriginalEventID: eventID,
		Discarded:       true,
	})
}

func dlqEntryResponse(entry *dlq.Entry) models.DLQEntryResponse {
	return models.DLQEntryResponse{
		OriginalEventID: entry.OriginalEventID,
		EventType:       entry.EventType,
		TopicName:       entry.TopicName,
		Payload:         entry.Payload,
		FailureReason:   entry.FailureReason,
		FailureStage:    entry.FailureStage,
		SourceService:   entry.SourceService,
		SagaID:          entry.SagaID,
		FirstFailureAt:  entry.FirstFailureAt,
		LastFailureAt:   entry.LastFailureAt,
		ReplayAttempts:  entry.ReplayAttempts,
	}
}
