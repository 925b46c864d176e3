package api

import (
	"context"
	"errors"
	"net/http"
)

func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"engines": s.pool.Snapshot()})
}

// handleRestartEngines triggers a coordinated pool-wide restart and blocks
// until every engine has confirmed, bounded by restartTimeout. A partial
// restart is reported rather than hanging the caller.
func (s *Server) handleRestartEngines(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), restartTimeout)
	defer cancel()

	if err := s.pool.RestartAll(ctx); err != nil {
		status := http.StatusGatewayTimeout
		if errors.Is(err, context.Canceled) {
			status = http.StatusRequestTimeout
		}
		s.logger.Error("engine restart incomplete", "error", err)
		s.writeError(w, status, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"restarted": true, "engines": s.pool.Snapshot()})
}

func (s *Server) handleListEngineEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 50)

	events, err := s.store.ListEngineEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("list engine events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list engine events")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
