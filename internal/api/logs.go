package api

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crucible-labs/crucible/internal/engine"
	"github.com/crucible-labs/crucible/internal/model"
	"github.com/crucible-labs/crucible/internal/store"
)

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.engine.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// If already in a terminal state, return empty stream immediately. The
	// full text is available from the history endpoint.
	if model.Terminal(run.Status) {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Safe even if the run finished between the status check above and this
	// call: Subscribe on a closed topic returns a closed channel, so the
	// loop below exits immediately.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				// Run finished; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// logHistoryResponse is the JSON response for GET /v1/runs/:id/logs/history.
type logHistoryResponse struct {
	RunID  string   `json:"run_id"`
	Source string   `json:"source"`
	Lines  []string `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.engine.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for log history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	source := r.URL.Query().Get("source")
	if source == "" {
		source = "stdout"
	}
	var file string
	switch source {
	case "stdout":
		file = engine.StdoutLogFile
	case "stderr":
		file = engine.StderrLogFile
	default:
		s.writeError(w, http.StatusBadRequest, "source must be stdout or stderr")
		return
	}

	// The log file appears when the run finishes; until then history is
	// empty and the live stream is the place to look.
	lines := []string{}
	data, err := os.ReadFile(filepath.Join(run.OutputDir, file))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("read log file", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read log file")
		return
	}
	if len(data) > 0 {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		RunID:  id,
		Source: source,
		Lines:  lines,
	})
}

// writeSSEData writes a log line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix, per the SSE spec.
func writeSSEData(w http.ResponseWriter, line string) error {
	for _, seg := range strings.Split(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
