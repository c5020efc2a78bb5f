package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/orbitlab/kessler/internal/model"
	"github.com/orbitlab/kessler/internal/orchestrator"
	"github.com/orbitlab/kessler/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// submitJobRequest is the JSON body for POST /jobs. Field names follow the
// simulation schema; status and timestamps are server-assigned.
type submitJobRequest struct {
	ID             string          `json:"id"`
	Name           string          `json:"simulation_name"`
	Owner          string          `json:"owner"`
	Description    string          `json:"description"`
	ScenarioConfig json.RawMessage `json:"scenario_properties"`
	SpeciesConfig  json.RawMessage `json:"species"`
}

// submitJobResponse is the JSON body for a successful submission.
type submitJobResponse struct {
	JobID      string `json:"job_id"`
	TaskHandle string `json:"task_handle"`
}

// deleteJobsResponse is the JSON body for DELETE /jobs.
type deleteJobsResponse struct {
	DeletedCount int64 `json:"deleted_count"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job := &model.SimulationJob{
		ID:             req.ID,
		Name:           req.Name,
		Owner:          req.Owner,
		Description:    req.Description,
		ScenarioConfig: req.ScenarioConfig,
		SpeciesConfig:  req.SpeciesConfig,
	}

	handle, err := s.orch.Submit(r.Context(), job)
	if errors.Is(err, orchestrator.ErrValidation) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, store.ErrDuplicateID) {
		s.writeError(w, http.StatusConflict, "a simulation with this id already exists")
		return
	}
	if err != nil {
		s.logger.Error("submit job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	s.writeJSON(w, http.StatusCreated, submitJobResponse{
		JobID:      job.ID,
		TaskHandle: handle,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.orch.Job(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{
		ID:     q.Get("id"),
		Owner:  q.Get("owner"),
		Name:   q.Get("name"),
		Status: q.Get("status"),
	}

	jobs, err := s.orch.Jobs(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.SimulationJob{}
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleClearJobs(w http.ResponseWriter, r *http.Request) {
	n, err := s.orch.ClearAll(r.Context())
	if err != nil {
		s.logger.Error("clear jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to clear jobs")
		return
	}

	s.writeJSON(w, http.StatusOK, deleteJobsResponse{DeletedCount: n})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
