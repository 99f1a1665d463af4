package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OptiInfra/Platform/rollout/internal/auth"
	"github.com/OptiInfra/Platform/rollout/internal/faults"
	"github.com/OptiInfra/Platform/rollout/internal/models"
	"github.com/OptiInfra/Platform/rollout/internal/service"
	"github.com/OptiInfra/Platform/rollout/internal/store"
)

type Server struct {
	svc      *service.Service
	verifier *auth.Verifier
}

func New(svc *service.Service, verifier *auth.Verifier) *Server {
	return &Server{svc: svc, verifier: verifier}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/v1/rollouts", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware)
			r.Post("/", s.handleSubmit)
			r.Post("/{id}/cancel", s.handleCancel)
		})

		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.svc.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type submitRequest struct {
	CustomerID    string               `json:"customerId"`
	Opportunities []models.Opportunity `json:"opportunities"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.svc.SubmitRollout(r.Context(), service.SubmitRequest{
		CustomerID:    req.CustomerID,
		Opportunities: req.Opportunities,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, st)
}

type listResponse struct {
	Rollouts []*models.WorkflowState `json:"rollouts"`
	Count    int                     `json:"count"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		CustomerID: r.URL.Query().Get("customer"),
		Status:     models.WorkflowStatus(r.URL.Query().Get("status")),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if n, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = n
		}
	}
	workflows, err := s.svc.ListRollouts(r.Context(), filter)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if workflows == nil {
		workflows = []*models.WorkflowState{}
	}
	respondJSON(w, http.StatusOK, listResponse{Rollouts: workflows, Count: len(workflows)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rollout id")
		return
	}
	st, err := s.svc.GetRollout(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rollout id")
		return
	}
	st, err := s.svc.Cancel(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, st)
}

// respondServiceError translates service failures into HTTP statuses: bad
// submissions map to 400, unknown workflows to 404, and cancelling a
// finished workflow to 409.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case faults.KindOf(err) == faults.KindInput:
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "rollout not found")
	case errors.Is(err, service.ErrAlreadyTerminal):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
