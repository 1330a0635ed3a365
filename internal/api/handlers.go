package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/orchestrator"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
)

// startSession handles POST /v1/sessions. The body is optional; an empty body
// crawls every active source. It returns 202 {"session_id": ...}.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var opts orchestrator.RunOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := s.runner.Start(r.Context(), opts)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("start session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

// listSessions handles GET /v1/sessions?limit=&offset=, newest first.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultSessionLimit, maxSessionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// getSession handles GET /v1/sessions/{session_id}. Running sessions are
// served from memory so their counters and log are current.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if live, ok := s.runner.Session(id); ok {
		writeJSON(w, http.StatusOK, live)
		return
	}
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, crawler.ErrSessionNotFound) || errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("get session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// stopSession handles POST /v1/sessions/{session_id}/stop. The session stops
// before its next source; 409 means it already closed.
func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	err := s.runner.Stop(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "stopping"})
	case errors.Is(err, crawler.ErrSessionClosed):
		writeError(w, http.StatusConflict, "session already closed")
	case errors.Is(err, crawler.ErrSessionNotFound):
		if _, gerr := s.store.GetSession(r.Context(), id); gerr == nil {
			writeError(w, http.StatusConflict, "session already closed")
			return
		}
		writeError(w, http.StatusNotFound, "session not found")
	default:
		s.logger.Error("stop session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to stop session")
	}
}

// listSources handles GET /v1/sources?active=true.
func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid active filter")
			return
		}
		activeOnly = v
	}
	sources, err := s.store.ListSources(r.Context(), activeOnly)
	if err != nil {
		s.logger.Error("list sources failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// runSource handles POST /v1/sources/{source_id}/run and blocks until the
// single-source session closes.
func (s *Server) runSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	res, err := s.runner.RunSource(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "source not found")
	case errors.Is(err, crawler.ErrSourceInactive):
		writeError(w, http.StatusConflict, "source is inactive or unsupported")
	default:
		s.logger.Error("run source failed", zap.String("source_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "result": res})
	}
}

// listWaitingJobs handles GET /v1/waiting-jobs?status=waiting.
func (s *Server) listWaitingJobs(w http.ResponseWriter, r *http.Request) {
	status, err := parseWaitingStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.store.List(r.Context(), status)
	if err != nil {
		s.logger.Error("list waiting jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list waiting jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// processWaitingJobs handles POST /v1/waiting-jobs/process.
func (s *Server) processWaitingJobs(w http.ResponseWriter, r *http.Request) {
	res, err := s.runner.ProcessWaiting(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, orchestrator.ErrNoDrainer):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("process waiting jobs failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "result": res})
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseWaitingStatus(input string) (crawler.WaitingJobStatus, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "", "waiting", "pending":
		return crawler.WaitingPending, nil
	case "processing":
		return crawler.WaitingProcessing, nil
	case "done":
		return crawler.WaitingDone, nil
	case "failed", "error":
		return crawler.WaitingFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}
