package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/crucible-labs/crucible/internal/store"
)

// artifactInfo describes one file in a run's output directory.
type artifactInfo struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// listArtifactsResponse is the JSON response for GET /v1/runs/:id/artifacts.
type listArtifactsResponse struct {
	RunID     string         `json:"run_id"`
	Artifacts []artifactInfo `json:"artifacts"`
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.engine.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for artifacts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	// The output directory exists only once the run has executed.
	artifacts := []artifactInfo{}
	entries, err := os.ReadDir(run.OutputDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("read output directory", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, artifactInfo{
			Name:      entry.Name(),
			SizeBytes: info.Size(),
		})
	}

	s.writeJSON(w, http.StatusOK, listArtifactsResponse{
		RunID:     id,
		Artifacts: artifacts,
	})
}
