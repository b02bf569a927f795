// File: internal/server/handlers.go
package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/api/schemas"
	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/orchestrator"
	"github.com/xkilldash9x/overmind/internal/state"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const maxRequestBody = 1 << 20

// Handlers serves the REST API.
type Handlers struct {
	log      *zap.Logger
	missions MissionService
}

// NewHandlers creates the REST handlers.
func NewHandlers(missions MissionService, logger *zap.Logger) *Handlers {
	return &Handlers{
		log:      logger.Named("api_handlers"),
		missions: missions,
	}
}

// RegisterRoutes mounts /healthz and the /api/v1 tree.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tools", h.HandleListTools)
		r.Route("/missions", func(r chi.Router) {
			r.Post("/", h.HandleSubmitMission)
			r.Get("/", h.HandleListMissions)
			r.Get("/{missionID}", h.HandleGetMission)
			r.Post("/{missionID}/cancel", h.HandleCancelMission)
			r.Get("/{missionID}/events", h.HandleListEvents)
		})
	})
}

func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handlers) HandleSubmitMission(w http.ResponseWriter, r *http.Request) {
	var req schemas.SubmitMissionRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := codec.Unmarshal(body, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Objective) == "" {
		h.respondWithError(w, http.StatusBadRequest, "objective is required")
		return
	}

	id, err := h.missions.Submit(r.Context(), req.Objective, req.OwnerID)
	if err != nil {
		h.respondWithDomainError(w, "submit mission", err)
		return
	}
	h.log.Info("Mission accepted", zap.String("mission_id", id))
	h.respondWithStatus(w, http.StatusAccepted, "success", schemas.SubmitMissionResponse{MissionID: id})
}

func (h *Handlers) HandleListMissions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	missions, err := h.missions.ListMissions(r.Context(), filter)
	if err != nil {
		h.respondWithDomainError(w, "list missions", err)
		return
	}
	out := make([]schemas.MissionSummary, 0, len(missions))
	for _, m := range missions {
		out = append(out, schemas.MissionSummary{
			ID:          m.ID,
			Objective:   m.Objective,
			Status:      string(m.Status),
			CreatedAt:   m.CreatedAt,
			CompletedAt: m.CompletedAt,
		})
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]interface{}{
		"count":    len(out),
		"missions": out,
	})
}

func (h *Handlers) HandleGetMission(w http.ResponseWriter, r *http.Request) {
	snap, err := h.missions.GetMission(r.Context(), chi.URLParam(r, "missionID"))
	if err != nil {
		h.respondWithDomainError(w, "get mission", err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, snap)
}

func (h *Handlers) HandleCancelMission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "missionID")
	outcome, err := h.missions.Cancel(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, "cancel mission", err)
		return
	}
	resp := schemas.CancelMissionResponse{MissionID: id, Outcome: schemas.CancelOutcome(outcome)}
	if outcome == state.CancelAlreadyTerminal {
		h.respondWithStatus(w, http.StatusConflict, "error", resp)
		return
	}
	h.respondWithSuccess(w, http.StatusAccepted, resp)
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	after, err := parseAfter(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := h.missions.Events(r.Context(), chi.URLParam(r, "missionID"), after)
	if err != nil {
		h.respondWithDomainError(w, "list events", err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, h.missions.Tools())
}

func parseAfter(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, fmt.Errorf("after must be a non-negative integer, got %q", raw)
	}
	return after, nil
}

func parseListFilter(r *http.Request) (state.ListFilter, error) {
	var f state.ListFilter
	q := r.URL.Query()
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s := mission.MissionStatus(strings.ToUpper(strings.TrimSpace(part)))
			switch s {
			case mission.MissionPending, mission.MissionPlanning, mission.MissionExecuting,
				mission.MissionCompleted, mission.MissionFailed:
				f.Statuses = append(f.Statuses, s)
			default:
				return f, fmt.Errorf("unknown mission status %q", part)
			}
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return f, fmt.Errorf("limit must be a non-negative integer, got %q", raw)
		}
		f.Limit = limit
	}
	return f, nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mission.ErrMissionNotFound):
		return http.StatusNotFound
	case errors.Is(err, mission.ErrMissionAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, mission.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondWithDomainError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("Request failed", zap.String("op", op), zap.Error(err))
		h.respondWithEnvelope(w, status, schemas.CommandResponse{Status: "error", Error: "internal error: " + op})
		return
	}
	h.respondWithEnvelope(w, status, schemas.CommandResponse{
		Status: "error",
		Error:  err.Error(),
		Code:   string(mission.CodeOf(err)),
	})
}

func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respondWithEnvelope(w, statusCode, schemas.CommandResponse{
		Status: "error",
		Error:  message,
		Code:   string(mission.CodeInvalidInput),
	})
}

func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respondWithStatus(w, statusCode, "success", data)
}

func (h *Handlers) respondWithStatus(w http.ResponseWriter, statusCode int, status string, data interface{}) {
	h.respondWithEnvelope(w, statusCode, schemas.CommandResponse{Status: status, Data: data})
}

func (h *Handlers) respondWithEnvelope(w http.ResponseWriter, statusCode int, resp schemas.CommandResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := codec.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
