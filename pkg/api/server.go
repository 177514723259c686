package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/monitor"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/queue"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/schema"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/stage"
)

const maxBodyBytes = 1 << 20

// WorkerTrigger processes at most one job per call.
type WorkerTrigger interface {
	ProcessNext(ctx context.Context) schema.WorkerResponse
}

// StageRunner runs a single stage for a job.
type StageRunner interface {
	Run(ctx context.Context, in stage.Input) (json.RawMessage, error)
}

type Server struct {
	queue    *queue.Client
	worker   WorkerTrigger
	stages   StageRunner
	monitor  *monitor.Monitor
	validate *validator.Validate
	log      *zap.Logger
}

func NewServer(q *queue.Client, worker WorkerTrigger, stages StageRunner, mon *monitor.Monitor, log *zap.Logger) *Server {
	return &Server{
		queue:    q,
		worker:   worker,
		stages:   stages,
		monitor:  mon,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.Named("api"),
	}
}

// Routes returns the HTTP handler for every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.enqueue)
		r.Get("/jobs/{id}", s.getJob)
		r.Get("/jobs/{id}/audit", s.jobAudit)

		r.Post("/worker/process", s.processNext)
		r.Post("/stages/{stage}", s.runStage)

		r.Get("/status", s.status)
		r.Post("/status", s.action)

		r.Get("/dead-letters", s.listDeadLetters)
		r.Post("/dead-letters/{id}/requeue", s.requeueDeadLetter)
	})

	return otelhttp.NewHandler(r, "jobqueue-api")
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, schema.ErrorResponse{Error: message})
}
