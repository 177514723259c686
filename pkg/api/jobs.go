package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/queue"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/schema"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
)

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req schema.EnqueueRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.queue.Enqueue(r.Context(), store.JobType(req.JobType), req.Payload, queue.Options{
		Priority:        req.Priority,
		MaxAttempts:     req.MaxAttempts,
		IdempotencyKey:  req.IdempotencyKey,
		WorkflowVersion: req.WorkflowVersion,
	})
	switch {
	case errors.Is(err, queue.ErrUnknownJobType), errors.Is(err, queue.ErrInvalidPayload), errors.Is(err, queue.ErrInvalidOptions):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error("enqueue", zap.String("job_type", req.JobType), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	status := http.StatusAccepted
	if !res.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, schema.EnqueueResponse{JobID: res.JobID, IdempotencyKey: res.IdempotencyKey, Created: res.Created})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) jobAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.queue.GetJob(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	entries, err := s.queue.AuditTrail(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	entries, err := s.queue.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.RequeueDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound), errors.Is(err, store.ErrDeadLetterNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDeadLetterConsumed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("store", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
