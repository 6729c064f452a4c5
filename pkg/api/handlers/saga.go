package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/eventra/eventra/pkg/api/models"
	"github.com/eventra/eventra/pkg/api/response"
	"github.com/eventra/eventra/pkg/logger"
	"github.com/eventra/eventra/pkg/saga"
	"github.com/eventra/eventra/pkg/sourcing"
)

const defaultSagaListLimit = 50

// SagaHandler exposes orchestrated sagas over HTTP: start, inspect,
// and the two operator actions (compensate, resume).
type SagaHandler struct {
	orchestrator *saga.Orchestrator
	store        *saga.StateStore
	journal      saga.Journal
	logger       logger.Logger
	validator    *validator.Validate
}

// NewSagaHandler creates a saga handler. The journal is optional; when
// nil, the timeline endpoint answers 503.
func NewSagaHandler(orch *saga.Orchestrator, store *saga.StateStore, journal saga.Journal, log logger.Logger) *SagaHandler {
	return &SagaHandler{
		orchestrator: orch,
		store:        store,
		journal:      journal,
		logger:       log,
		validator:    validator.New(),
	}
}

// Start handles POST /api/v1/sagas. With wait=false the saga is
// accepted and runs in the background; the response carries the saga
// id found through the correlation ID the state was saved under. With
// wait=true the request blocks until the saga resolves.
func (h *SagaHandler) Start(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	if h.orchestrator == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga orchestrator unavailable", requestID)
		return
	}

	var req models.SagaStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", requestID)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), requestID)
		return
	}

	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = sourcing.CorrelationIDFrom(r.Context())
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	if _, ok := h.orchestrator.Definition(req.SagaType); !ok {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "saga type not registered: "+req.SagaType, requestID)
		return
	}

	fut, err := h.orchestrator.Start(r.Context(), req.SagaType, req.Input, correlationID)
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}

	if req.Wait {
		res, err := fut.Result(r.Context())
		if err != nil {
			response.Error(w, http.StatusGatewayTimeout, response.ErrCodeGatewayTimeout, err.Error(), requestID)
			return
		}
		resp := models.SagaStartResponse{
			SagaID:     res.SagaID,
			SagaType:   req.SagaType,
			Status:     string(res.Status),
			FailedStep: res.FailedStep,
		}
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
		status := http.StatusCreated
		if res.Status != saga.StatusCompleted {
			status = http.StatusUnprocessableEntity
		}
		response.JSON(w, status, resp)
		return
	}

	// The state is saved before Start returns, so the freshly started
	// saga is findable by its correlation ID.
	resp := models.SagaStartResponse{SagaType: req.SagaType, Status: string(saga.StatusStarted)}
	if states, err := h.store.GetByCorrelationID(r.Context(), correlationID); err == nil {
		for _, st := range states {
			if st.SagaType == req.SagaType {
				resp.SagaID = st.SagaID
				resp.Status = string(st.Status)
			}
		}
	}
	response.JSON(w, http.StatusAccepted, resp)
}

// Get handles GET /api/v1/sagas/{id}.
func (h *SagaHandler) Get(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())

	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", requestID)
		return
	}

	st, err := h.store.Get(r.Context(), sagaID)
	if err != nil {
		h.notFoundOrInternal(w, err, requestID)
		return
	}

	response.JSON(w, http.StatusOK, sagaStatusResponse(st))
}

// List handles GET /api/v1/sagas. Filters: status, correlation_id,
// limit. Status and correlation filters are mutually exclusive;
// correlation wins when both are set.
func (h *SagaHandler) List(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())

	limit := defaultSagaListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	correlationID := strings.TrimSpace(r.URL.Query().Get("correlation_id"))

	var (
		states []*saga.State
		err    error
	)
	switch {
	case correlationID != "":
		states, err = h.store.GetByCorrelationID(r.Context(), correlationID)
	case status != "":
		states, err = h.store.GetByStatus(r.Context(), saga.Status(status), limit)
	default:
		states, err = h.store.GetByStatus(r.Context(), saga.StatusInProgress, limit)
	}
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}

	if len(states) > limit {
		states = states[:limit]
	}
	items := make([]models.SagaSummary, 0, len(states))
	for _, st := range states {
		items = append(items, models.SagaSummary{
			SagaID:        st.SagaID,
			SagaType:      st.SagaType,
			Status:        string(st.Status),
			CorrelationID: st.CorrelationID,
			StartedAt:     st.StartedAt,
			CompletedAt:   st.CompletedAt,
			CurrentStep:   st.CurrentStep,
			TotalSteps:    st.TotalSteps,
		})
	}

	response.JSON(w, http.StatusOK, models.SagaListResponse{
		Items: items,
		Total: len(items),
		Limit: limit,
	})
}

// Compensate handles POST /api/v1/sagas/{id}/compensate. It undoes the
// completed steps of an active saga; a saga already terminal answers
// 409.
func (h *SagaHandler) Compensate(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	if h.orchestrator == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga orchestrator unavailable", requestID)
		return
	}

	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", requestID)
		return
	}

	var req models.SagaCompensateRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual compensation requested"
	}

	current, err := h.store.Get(r.Context(), sagaID)
	if err != nil {
		h.notFoundOrInternal(w, err, requestID)
		return
	}
	if current.Status.Terminal() {
		response.Error(w, http.StatusConflict, response.ErrCodeConflict, "saga is already in a terminal status", requestID)
		return
	}

	st, err := h.orchestrator.ForceCompensate(r.Context(), sagaID, reason)
	if err != nil {
		h.notFoundOrInternal(w, err, requestID)
		return
	}

	response.JSON(w, http.StatusAccepted, models.SagaActionResponse{
		SagaID: st.SagaID,
		Status: string(st.Status),
	})
}

// Resume handles POST /api/v1/sagas/{id}/resume. It continues an
// interrupted saga from its first unfinished step; typically used
// after a coordinator restart or once an open circuit closed.
func (h *SagaHandler) Resume(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	if h.orchestrator == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga orchestrator unavailable", requestID)
		return
	}

	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", requestID)
		return
	}

	fut, err := h.orchestrator.Resume(r.Context(), sagaID)
	if err != nil {
		h.notFoundOrInternal(w, err, requestID)
		return
	}

	status := string(saga.StatusInProgress)
	if fut.Done() {
		if res, err := fut.Result(r.Context()); err == nil {
			status = string(res.Status)
		}
	}
	response.JSON(w, http.StatusAccepted, models.SagaActionResponse{
		SagaID: sagaID,
		Status: status,
	})
}

// Timeline handles GET /api/v1/sagas/{id}/timeline. It returns the
// journaled transition history for one saga, oldest first.
func (h *SagaHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	if h.journal == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga journal not configured", requestID)
		return
	}

	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", requestID)
		return
	}

	// A saga unknown to the state store has no timeline either way.
	if _, err := h.store.Get(r.Context(), sagaID); err != nil {
		h.notFoundOrInternal(w, err, requestID)
		return
	}

	history, err := h.journal.History(r.Context(), sagaID)
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}

	entries := make([]models.SagaTimelineEntry, 0, len(history))
	for _, entry := range history {
		entries = append(entries, models.SagaTimelineEntry{
			Sequence: entry.Sequence,
			Kind:     entry.Kind,
			Step:     entry.Step,
			Detail:   entry.Detail,
			At:       entry.At,
		})
	}
	response.JSON(w, http.StatusOK, models.SagaTimelineResponse{
		SagaID:  sagaID,
		Entries: entries,
		Total:   len(entries),
	})
}

func (h *SagaHandler) notFoundOrInternal(w http.ResponseWriter, err error, requestID string) {
	if errors.Is(err, saga.ErrNotFound) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, err.Error(), requestID)
		return
	}
	response.HandleError(w, err, requestID)
}

func sagaStatusResponse(st *saga.State) models.SagaStatusResponse {
	steps := make([]models.SagaStepResponse, 0, len(st.Steps))
	for _, step := range st.Steps {
		steps = append(steps, models.SagaStepResponse{
			StepNumber:    step.StepNumber,
			StepName:      step.StepName,
			Service:       step.Service,
			EventType:     step.EventType,
			Status:        string(step.Status),
			Timestamp:     step.Timestamp,
			FailureReason: step.FailureReason,
		})
	}
	return models.SagaStatusResponse{
		SagaID:        st.SagaID,
		SagaType:      st.SagaType,
		Status:        string(st.Status),
		CorrelationID: st.CorrelationID,
		CurrentStep:   st.CurrentStep,
		TotalSteps:    st.TotalSteps,
		StartedAt:     st.StartedAt,
		Deadline:      st.Deadline,
		CompletedAt:   st.CompletedAt,
		Steps:         steps,
		Context:       st.ContextData,
	}
}
