package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleGetTaskStatus(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "taskHandle")
	if handle == "" {
		s.writeError(w, http.StatusBadRequest, "task handle is required")
		return
	}

	view, err := s.orch.Status(r.Context(), handle)
	if err != nil {
		s.logger.Error("task status", "task_handle", handle, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task status")
		return
	}

	s.writeJSON(w, http.StatusOK, view)
}
