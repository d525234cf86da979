package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/coveragoor/pkg/runstore"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRuns returns indexed runs, newest first. An optional
// ?limit= query parameter caps the result count.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid limit parameter"})

			return
		}

		limit = parsed
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing runs"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleGetRun returns a single run by its run ID.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).Error("Failed to fetch run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"fetching run"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleReportFile serves report artifacts from the reports directory.
func (s *server) handleReportFile(w http.ResponseWriter, r *http.Request) {
	filePath := chi.URLParam(r, "*")

	if !isAllowedReportPath(filePath) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid file path"})

		return
	}

	root := filepath.Clean(s.reportsDir)
	full := filepath.Join(root, filepath.FromSlash(filePath))

	// Defense-in-depth: ensure the resolved path stays under root.
	if !strings.HasPrefix(full, root+string(filepath.Separator)) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid file path"})

		return
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"file not found"})

		return
	}

	http.ServeFile(w, r, full)
}

// isAllowedReportPath rejects empty, absolute, unclean, or traversal
// request paths.
func isAllowedReportPath(filePath string) bool {
	if filePath == "" {
		return false
	}

	if strings.Contains(filePath, "..") {
		return false
	}

	if filepath.IsAbs(filePath) {
		return false
	}

	return path.Clean(filePath) == filePath
}
