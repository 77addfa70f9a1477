// Package api is the HTTP surface: submit a transfer, read one job or
// a user's active listing, and merge partial updates.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cloudporter/cloudporter/internal/domain"
	"github.com/cloudporter/cloudporter/internal/index"
	"github.com/cloudporter/cloudporter/internal/store"
)

// UserLister serves per-user listings from the denormalized index so
// a listing never re-reads the primary records. Nil falls back to the
// job store.
type UserLister interface {
	UserJobs(ctx context.Context, userID string, activeOnly bool) ([]index.JobSummary, error)
}

type Server struct {
	store  store.JobStore
	lister UserLister
	log    *zap.Logger
}

func New(s store.JobStore, lister UserLister, log *zap.Logger) *Server {
	return &Server{store: s, lister: lister, log: log}
}

func (s *Server) Router() chi.Router {
	rtr := chi.NewRouter()
	rtr.Use(middleware.Recoverer)
	rtr.Use(s.logRequests)

	rtr.Post("/transfers", s.submit)
	rtr.Get("/transfers", s.get)
	rtr.Put("/transfers", s.update)
	return rtr
}

type submitRequest struct {
	UserID             string                  `json:"userId"`
	SourceService      string                  `json:"sourceService"`
	DestinationService string                  `json:"destinationService"`
	SourceFiles        []domain.FileDescriptor `json:"sourceFiles"`
	DestinationPath    string                  `json:"destinationPath"`
	Priority           int                     `json:"priority"`
	MaxRetries         *int                    `json:"maxRetries"`
}

func (r *submitRequest) validate() error {
	switch {
	case r.UserID == "":
		return errors.Wrap(domain.ErrValidation, "userId is required")
	case r.SourceService == "":
		return errors.Wrap(domain.ErrValidation, "sourceService is required")
	case r.DestinationService == "":
		return errors.Wrap(domain.ErrValidation, "destinationService is required")
	case len(r.SourceFiles) == 0:
		return errors.Wrap(domain.ErrValidation, "sourceFiles must not be empty")
	}
	for _, f := range r.SourceFiles {
		if f.ID == "" || f.Name == "" {
			return errors.Wrap(domain.ErrValidation, "every source file needs id and name")
		}
	}
	return nil
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.Wrap(domain.ErrValidation, "malformed JSON body"))
		return
	}
	if err := req.validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.DestinationPath == "" {
		req.DestinationPath = "root"
	}
	maxRetries := domain.DefaultMaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}

	job := &domain.TransferJob{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		SourceService:      req.SourceService,
		DestinationService: req.DestinationService,
		SourceFiles:        req.SourceFiles,
		DestinationPath:    req.DestinationPath,
		Status:             domain.StatusQueued,
		Progress:           0,
		MaxRetries:         maxRetries,
		Priority:           req.Priority,
	}
	if err := s.store.Create(r.Context(), job); err != nil {
		s.log.Error("create job", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, errors.New("could not persist job"))
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{"success": true, "jobId": job.ID})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	if jobID := r.URL.Query().Get("jobId"); jobID != "" {
		job, err := s.store.Get(r.Context(), jobID)
		if errors.Is(err, domain.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			s.log.Error("get job", zap.String("job_id", jobID), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, errors.New("could not read job"))
			return
		}
		s.respond(w, http.StatusOK, map[string]any{"job": job})
		return
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		s.respondError(w, http.StatusBadRequest, errors.Wrap(domain.ErrValidation, "jobId or userId is required"))
		return
	}
	if s.lister != nil {
		jobs, err := s.lister.UserJobs(r.Context(), userID, true)
		if err == nil {
			s.respond(w, http.StatusOK, map[string]any{"jobs": jobs})
			return
		}
		s.log.Warn("index listing failed, falling back to store", zap.String("user_id", userID), zap.Error(err))
	}
	jobs, err := s.store.Query(r.Context(), store.QueryFilter{
		Statuses: domain.ActiveStatuses,
		UserID:   userID,
	})
	if err != nil {
		s.log.Error("list jobs", zap.String("user_id", userID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, errors.New("could not list jobs"))
		return
	}
	if jobs == nil {
		jobs = []*domain.TransferJob{}
	}
	s.respond(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type updateRequest struct {
	JobID    string         `json:"jobId"`
	Status   *domain.Status `json:"status"`
	Progress *int           `json:"progress"`
	Error    *string        `json:"error"`
	Priority *int           `json:"priority"`
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.Wrap(domain.ErrValidation, "malformed JSON body"))
		return
	}
	if req.JobID == "" {
		s.respondError(w, http.StatusBadRequest, errors.Wrap(domain.ErrValidation, "jobId is required"))
		return
	}
	if req.Status != nil && !req.Status.Valid() {
		s.respondError(w, http.StatusBadRequest, errors.Wrapf(domain.ErrValidation, "unknown status %q", *req.Status))
		return
	}
	if req.Progress != nil && (*req.Progress < 0 || *req.Progress > 100) {
		s.respondError(w, http.StatusBadRequest, errors.Wrap(domain.ErrValidation, "progress must be within [0,100]"))
		return
	}

	job, err := s.store.Update(r.Context(), req.JobID, domain.JobUpdate{
		Status:   req.Status,
		Progress: req.Progress,
		Error:    req.Error,
		Priority: req.Priority,
	})
	if errors.Is(err, domain.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.log.Error("update job", zap.String("job_id", req.JobID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, errors.New("could not update job"))
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("write response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, err error) {
	s.respond(w, code, map[string]any{"success": false, "error": err.Error()})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}
