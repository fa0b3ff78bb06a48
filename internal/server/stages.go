package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/stage"
)

// startStage asks the coordinator whether a stage may run. It can block
// while dependencies are polled; a client disconnect abandons the wait.
func (s *server) startStage(w http.ResponseWriter, r *http.Request) {
	if s.Stages == nil {
		writeError(w, http.StatusServiceUnavailable, "stage coordinator is not configured")
		return
	}
	name := chi.URLParam(r, "stage")
	runDate := r.URL.Query().Get("date")
	if runDate == "" {
		runDate = s.Stages.Today()
	}
	if !validDate(runDate) {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	d, err := s.Stages.TryStart(r.Context(), name, runDate)
	if err != nil {
		if errors.Is(err, stage.ErrUnknownStage) {
			writeError(w, http.StatusNotFound, "unknown stage "+name)
			return
		}
		s.log.Error("server: try start", zap.String("stage", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not start stage")
		return
	}
	status := http.StatusOK
	if !d.CanProceed {
		status = http.StatusConflict
	}
	writeJSON(w, status, d)
}

func (s *server) completeStage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	var body struct {
		Summary map[string]any `json:"summary"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	s.finishStage(w, id, s.Stages.Complete(r.Context(), id, body.Summary), model.StageCompleted)
}

func (s *server) failStage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	var body struct {
		Errors []string `json:"errors"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Errors) == 0 {
		writeError(w, http.StatusBadRequest, "errors must list at least one failure")
		return
	}
	s.finishStage(w, id, s.Stages.Fail(r.Context(), id, body.Errors), model.StageFailed)
}

func (s *server) finishStage(w http.ResponseWriter, id int64, err error, status model.StageStatus) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "status": status})
	case errors.Is(err, stage.ErrNotRunning):
		writeError(w, http.StatusConflict, "run is not running")
	default:
		s.log.Error("server: finish stage", zap.Int64("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not update run")
	}
}

func (s *server) stageStatus(w http.ResponseWriter, r *http.Request) {
	if s.Stages == nil {
		writeError(w, http.StatusServiceUnavailable, "stage coordinator is not configured")
		return
	}
	runDate := chi.URLParam(r, "date")
	if runDate == "today" {
		runDate = s.Stages.Today()
	}
	if !validDate(runDate) {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	runs, err := s.Stages.Status(r.Context(), runDate)
	if err != nil {
		s.log.Error("server: stage status", zap.String("run_date", runDate), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list runs")
		return
	}
	if runs == nil {
		runs = []model.StageRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_date": runDate, "runs": runs})
}

func (s *server) runID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if s.Stages == nil {
		writeError(w, http.StatusServiceUnavailable, "stage coordinator is not configured")
		return 0, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return 0, false
	}
	return id, true
}

func validDate(s string) bool {
	_, err := time.Parse(stage.RunDateLayout, s)
	return err == nil
}
