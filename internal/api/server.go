// Package api exposes the HTTP interface for the pipeline service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryal/insar-pipeline/internal/insar"
	"github.com/sentryal/insar-pipeline/internal/telemetry"
)

// Server wires HTTP handlers to the ledger and result store.
type Server struct {
	router  chi.Router
	ledger  insar.Ledger
	results insar.ResultStore
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(ledger insar.Ledger, results insar.ResultStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ledger:  ledger,
		results: results,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/samples", s.getJobSamples)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Get("/infrastructure/{infrastructure_id}/samples", s.getInfrastructureSamples)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// A ledger round trip covers the database; the rest is best effort.
	if _, err := s.ledger.Get(r.Context(), "readiness-probe"); err != nil && !errors.Is(err, insar.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createJobRequest struct {
	InfrastructureID string              `json:"infrastructure_id"`
	Parameters       insar.JobParameters `json:"parameters"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateCreate(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.ledger.Create(r.Context(), req.InfrastructureID, req.Parameters)
	if err != nil {
		s.logger.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func validateCreate(req createJobRequest) error {
	if req.InfrastructureID == "" {
		return errors.New("infrastructure_id is required")
	}
	p := req.Parameters
	if p.ReferenceGranule == "" || p.SecondaryGranule == "" {
		return errors.New("reference and secondary granules are required")
	}
	b := p.BBox
	if b.South >= b.North || b.West >= b.East {
		return errors.New("bbox south/west must be less than north/east")
	}
	if b.South < -90 || b.North > 90 || b.West < -180 || b.East > 180 {
		return errors.New("bbox out of range")
	}
	return nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.ledger.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, insar.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobSamples(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.ledger.Get(r.Context(), jobID); err != nil {
		if errors.Is(err, insar.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	samples, err := s.results.ListByJob(r.Context(), jobID)
	if err != nil {
		s.logger.Error("list samples failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch samples")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "samples": samples})
}

func (s *Server) getInfrastructureSamples(w http.ResponseWriter, r *http.Request) {
	infraID := chi.URLParam(r, "infrastructure_id")
	samples, err := s.results.ListByInfrastructure(r.Context(), infraID)
	if err != nil {
		s.logger.Error("list infrastructure samples failed",
			zap.String("infrastructure_id", infraID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch samples")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"infrastructure_id": infraID, "samples": samples})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.ledger.RequestCancel(r.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, insar.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, insar.ErrAlreadyTerminal):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("cancel job failed", zap.String("job_id", jobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "cancel": "requested"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
