package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/iofold/iofold/pkg/storage"
)

func (s *Server) handleListEvals(w http.ResponseWriter, r *http.Request) {
	evals, err := s.store.ListEvals(chi.URLParam(r, "agentID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"evals": evals})
}

func (s *Server) handleGetEval(w http.ResponseWriter, r *http.Request) {
	eval, err := s.store.GetEval(chi.URLParam(r, "evalID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if eval == nil {
		respondError(w, http.StatusNotFound, "eval not found")
		return
	}
	respondJSON(w, http.StatusOK, eval)
}

// handleActivateEval promotes an eval to active, archiving the agent's
// previously active one.
func (s *Server) handleActivateEval(w http.ResponseWriter, r *http.Request) {
	evalID := chi.URLParam(r, "evalID")
	eval, err := s.store.GetEval(evalID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if eval == nil {
		respondError(w, http.StatusNotFound, "eval not found")
		return
	}
	if err := s.store.ActivateEval(evalID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	activated, err := s.store.GetEval(evalID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, activated)
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	traces, err := s.store.ListTraces(chi.URLParam(r, "agentID"), queryInt(r, "limit", 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

type feedbackRequest struct {
	Rating  string `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// handleCreateFeedback attaches a rating to a trace. The newest rating
// per trace wins when labeling.
func (s *Server) handleCreateFeedback(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceID")
	trace, err := s.store.GetTrace(traceID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if trace == nil {
		respondError(w, http.StatusNotFound, "trace not found")
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Rating != "positive" && req.Rating != "negative" {
		respondError(w, http.StatusBadRequest, `rating must be "positive" or "negative"`)
		return
	}

	fb := &storage.Feedback{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		Rating:    req.Rating,
		Comment:   req.Comment,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateFeedback(fb); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, fb)
}
