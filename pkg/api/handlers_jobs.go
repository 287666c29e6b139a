package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/iofold/iofold/pkg/job"
)

type enqueueRequest struct {
	Type        string          `json:"type"`
	WorkspaceID string          `json:"workspace_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type enqueueResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// handleEnqueueJob creates the job record and publishes its queue
// message. The record exists before the message so a fast consumer can
// always start it.
func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	typ, err := job.ParseType(req.Type)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WorkspaceID == "" {
		respondError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}

	j, err := s.manager.Create(typ, req.WorkspaceID, req.Payload)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "create job: "+err.Error())
		return
	}

	msg := &job.Message{
		JobID:       j.ID,
		Type:        typ,
		WorkspaceID: req.WorkspaceID,
		Payload:     req.Payload,
		Attempt:     1,
	}
	data, err := msg.Encode()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "encode message: "+err.Error())
		return
	}
	if err := s.queue.Push(r.Context(), data); err != nil {
		// The record stays queued; a requeue sweep or manual retry can
		// still pick it up.
		respondError(w, http.StatusServiceUnavailable, "enqueue: "+err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, enqueueResponse{JobID: j.ID, Status: j.Status})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.GetJob(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if j == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	jobs, err := s.store.ListJobs(r.URL.Query().Get("workspace_id"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.store.ListDeadLetters(queryInt(r, "limit", 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
