package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tallyhq/tally/internal/model"
)

const maxBodySize = 1 << 20 // 1 MB

// saveWait bounds how long a save request waits for the engine to confirm
// the operation.
const saveWait = 30 * time.Second

// createAnalysisRequest is the JSON body for POST /v1/analyses.
type createAnalysisRequest struct {
	Name    string         `json:"name"`
	NS      string         `json:"ns"`
	Options map[string]any `json:"options"`
}

// setOptionsRequest is the JSON body for POST /v1/analyses/{id}/options.
type setOptionsRequest struct {
	Options map[string]any `json:"options"`
	Changed []string       `json:"changed"`
}

// saveAnalysisRequest is the JSON body for POST /v1/analyses/{id}/save.
type saveAnalysisRequest struct {
	Path string `json:"path"`
	Part string `json:"part"`
}

// analysisView is the JSON representation of an analysis.
type analysisView struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	NS       string `json:"ns"`
	Status   string `json:"status"`
	Revision uint64 `json:"revision"`
	Inited   bool   `json:"inited"`
	Error    string `json:"error,omitempty"`
	Results  []byte `json:"results,omitempty"`
}

func viewOf(a *model.Analysis) analysisView {
	return analysisView{
		ID:       a.ID,
		Name:     a.Name,
		NS:       a.NS,
		Status:   a.Status,
		Revision: a.Revision,
		Inited:   a.Inited,
		Error:    a.ErrorCause,
		Results:  a.Results,
	}
}

func (s *Server) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	var req createAnalysisRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	var view analysisView
	s.pool.Do(func() {
		a := s.analyses.Create(s.sessionID, s.instanceID, req.Name, req.NS, req.Options)
		view = viewOf(a)
	})

	s.writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	var views []analysisView
	s.pool.Do(func() {
		for _, a := range s.analyses.All() {
			views = append(views, viewOf(a))
		}
	})

	s.writeJSON(w, http.StatusOK, map[string]any{"analyses": views})
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := analysisID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid analysis id")
		return
	}

	var view analysisView
	found := false
	s.pool.Do(func() {
		if a := s.analyses.Get(id); a != nil {
			view = viewOf(a)
			found = true
		}
	})
	if !found {
		s.writeError(w, http.StatusNotFound, "analysis not found")
		return
	}

	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSetOptions(w http.ResponseWriter, r *http.Request) {
	id, ok := analysisID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid analysis id")
		return
	}

	var req setOptionsRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var view analysisView
	found := false
	s.pool.Do(func() {
		if a := s.analyses.Get(id); a != nil {
			s.analyses.SetOptions(a, req.Options, req.Changed)
			view = viewOf(a)
			found = true
		}
	})
	if !found {
		s.writeError(w, http.StatusNotFound, "analysis not found")
		return
	}

	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRunAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := analysisID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid analysis id")
		return
	}

	var view analysisView
	found := false
	s.pool.Do(func() {
		if a := s.analyses.Get(id); a != nil {
			s.analyses.RequestRun(a)
			view = viewOf(a)
			found = true
		}
	})
	if !found {
		s.writeError(w, http.StatusNotFound, "analysis not found")
		return
	}

	s.writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleSaveAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := analysisID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid analysis id")
		return
	}

	var req saveAnalysisRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Path == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	var fut *model.Future
	notFound, notComplete := false, false
	s.pool.Do(func() {
		a := s.analyses.Get(id)
		switch {
		case a == nil:
			notFound = true
		case a.Status != model.StatusComplete:
			notComplete = true
		default:
			fut = s.analyses.RequestSave(a, req.Path, req.Part)
		}
	})
	if notFound {
		s.writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	if notComplete {
		s.writeError(w, http.StatusConflict, "analysis is not complete")
		return
	}

	timer := time.NewTimer(saveWait)
	defer timer.Stop()
	select {
	case <-fut.Done():
	case <-r.Context().Done():
		s.writeError(w, http.StatusRequestTimeout, "client went away")
		return
	case <-timer.C:
		s.writeError(w, http.StatusGatewayTimeout, "save did not complete in time")
		return
	}

	if _, err := fut.Result(); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"saved": true, "path": req.Path})
}

func analysisID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}
