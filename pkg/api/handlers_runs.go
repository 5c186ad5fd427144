package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/cohort/pkg/batch"
	cerrors "github.com/odvcencio/cohort/pkg/errors"
	"github.com/odvcencio/cohort/pkg/logging"
	"github.com/odvcencio/cohort/pkg/storage"
	"github.com/odvcencio/cohort/pkg/survey"
)

// StartRunRequest starts an asynchronous batch run. Options fields that are
// absent keep the server defaults.
type StartRunRequest struct {
	Personas  []survey.Persona  `json:"personas"`
	Questions []survey.Question `json:"questions"`
	Options   json.RawMessage   `json:"options,omitempty"`
}

// CurrentRun is the live view of the orchestrator's run.
type CurrentRun struct {
	Run      batch.RunInfo  `json:"run"`
	Progress batch.Progress `json:"progress"`
	Entries  []batch.Entry  `json:"entries"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "batch runs are not enabled")
		return
	}

	var req StartRunRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	opts := s.defaults
	if opts.Temperature != nil {
		t := *opts.Temperature
		opts.Temperature = &t
	}
	if len(req.Options) > 0 {
		if err := json.Unmarshal(req.Options, &opts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid options: "+err.Error())
			return
		}
	}

	// A finished run is held until reset; a new request replaces it.
	if s.orchestrator.Status().Terminal() {
		s.orchestrator.Reset()
	}

	id, err := s.orchestrator.Start(r.Context(), req.Personas, req.Questions, opts)
	if err != nil {
		if id != "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "runId": id, "error": err.Error()})
			return
		}
		writeFailure(w, err)
		return
	}

	_ = s.logger.Info(logging.CategoryHTTP, "run_requested", "run started over http", map[string]any{
		"run_id":     id,
		"personas":   len(req.Personas),
		"request_id": RequestID(r.Context()),
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"runId":   id,
		"status":  s.orchestrator.Status(),
	})
}

func (s *Server) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "batch runs are not enabled")
		return
	}
	info, ok := s.orchestrator.Info()
	if !ok {
		writeError(w, http.StatusNotFound, "no run")
		return
	}
	writeJSON(w, http.StatusOK, CurrentRun{
		Run:      info,
		Progress: s.orchestrator.Progress(),
		Entries:  s.orchestrator.Snapshot(),
	})
}

func (s *Server) handleCurrentProgress(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "batch runs are not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.orchestrator.Progress())
}

func (s *Server) handleRunControl(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "batch runs are not enabled")
		return
	}
	action := chi.URLParam(r, "action")
	if err := control(s.orchestrator, action); err != nil {
		if errors.Is(err, errUnknownAction) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  s.orchestrator.Status(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is not enabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if runs == nil {
		runs = []storage.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// The live run is served from memory so in-flight entries are visible.
	if s.orchestrator != nil && s.orchestrator.RunID() == id {
		if res, ok := s.orchestrator.Result(); ok {
			writeJSON(w, http.StatusOK, res)
			return
		}
		if info, ok := s.orchestrator.Info(); ok && info.ID == id {
			info.Status = s.orchestrator.Status()
			writeJSON(w, http.StatusOK, batch.RunResult{
				RunInfo:  info,
				Entries:  s.orchestrator.Snapshot(),
				Progress: s.orchestrator.Progress(),
			})
			return
		}
	}

	if s.history == nil {
		writeError(w, http.StatusNotFound, "run not found: "+id)
		return
	}
	res, err := s.history.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found: "+id)
			return
		}
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is not enabled")
		return
	}
	if s.orchestrator != nil && s.orchestrator.RunID() == id && s.orchestrator.Status().Active() {
		writeError(w, http.StatusConflict, cerrors.Newf(cerrors.ErrCodeRunActive, "run %s is still active", id).Error())
		return
	}
	if err := s.history.DeleteRun(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found: "+id)
			return
		}
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
