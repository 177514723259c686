package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/monitor"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/schema"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/stage"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
)

func (s *Server) processNext(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.worker.ProcessNext(r.Context()))
}

// runStage serves the stage contract. Failures answer 422 with
// success=false so callers can treat any non-2xx as a failed stage.
func (s *Server) runStage(w http.ResponseWriter, r *http.Request) {
	name := stage.Name(chi.URLParam(r, "stage"))
	if !name.Valid() {
		writeError(w, http.StatusNotFound, "unknown stage "+string(name))
		return
	}

	var req schema.StageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Stage != "" && req.Stage != string(name) {
		writeError(w, http.StatusBadRequest, "stage in body does not match path")
		return
	}

	key, err := s.stageKey(r.Context(), req)
	if err != nil {
		s.storeError(w, err)
		return
	}

	out, err := s.stages.Run(r.Context(), stage.Input{
		JobID:           req.JobID,
		JobType:         store.JobType(req.JobType),
		Stage:           name,
		Payload:         req.Payload,
		Attempts:        req.Attempts,
		WorkflowVersion: req.WorkflowVersion,
		IdempotencyKey:  key,
	})
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, schema.StageResponse{
			Error: err.Error(),
			Code:  string(stage.CodeOf(err)),
		})
		return
	}
	writeJSON(w, http.StatusOK, schema.StageResponse{Success: true, Data: out})
}

// stageKey resolves the key external tokens derive from. Callers may omit
// it; queued jobs then use their stored key and unknown jobs their id.
func (s *Server) stageKey(ctx context.Context, req schema.StageRequest) (string, error) {
	if req.IdempotencyKey != "" {
		return req.IdempotencyKey, nil
	}
	job, err := s.queue.GetJob(ctx, req.JobID)
	switch {
	case err == nil && job.IdempotencyKey != "":
		return job.IdempotencyKey, nil
	case err == nil, errors.Is(err, store.ErrJobNotFound):
		return "job:" + req.JobID, nil
	default:
		return "", err
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	report, err := s.monitor.Report(r.Context(), r.URL.Query().Get("format"))
	if errors.Is(err, monitor.ErrUnknownFormat) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error("status report", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) action(w http.ResponseWriter, r *http.Request) {
	var req schema.ActionRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.monitor.Execute(r.Context(), req)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}
