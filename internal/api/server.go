// Package api exposes the batch job HTTP surface consumed by the training
// data frontend.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/jamesjordanmarketing/train-data-sub012/internal/models"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/service"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/telemetry"
)

// Server wires HTTP handlers over the batch service.
type Server struct {
	svc *service.Batch
	log zerolog.Logger
}

func New(svc *service.Batch, log zerolog.Logger) *Server {
	return &Server{svc: svc, log: log.With().Str("component", "api").Logger()}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/batch-jobs", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/items", s.handleItems)
			r.Post("/cancel", s.handleCancel)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/process-next", s.handleProcessNext)
			r.Post("/export", s.handleExport)
		})
	})

	// Progress polling path used by the generation frontend.
	r.Get("/conversations/batch/{id}/status", s.handleStatus)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

type createRequest struct {
	Name                 string              `json:"name"`
	Items                []service.ItemInput `json:"items"`
	Priority             int                 `json:"priority"`
	ConcurrentProcessing int                 `json:"concurrentProcessing"`
	ErrorHandling        string              `json:"errorHandling"`
	CreatedBy            string              `json:"createdBy"`
}

type createResponse struct {
	Success          bool            `json:"success"`
	Job              models.BatchJob `json:"job"`
	EstimatedCost    float64         `json:"estimatedCost"`
	EstimatedSeconds int             `json:"estimatedSeconds"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "request body is not valid JSON")
		return
	}

	job, est, err := s.svc.Create(r.Context(), service.CreateInput{
		Name:                 req.Name,
		Items:                req.Items,
		Priority:             req.Priority,
		ConcurrentProcessing: req.ConcurrentProcessing,
		ErrorHandling:        req.ErrorHandling,
		CreatedBy:            req.CreatedBy,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		Success:          true,
		Job:              job,
		EstimatedCost:    est.Cost,
		EstimatedSeconds: est.Seconds,
	})
}

type listResponse struct {
	Success bool              `json:"success"`
	Jobs    []models.BatchJob `json:"jobs"`
	Count   int               `json:"count"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	createdBy := r.URL.Query().Get("createdBy")

	jobs, err := s.svc.List(r.Context(), status, createdBy)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.BatchJob{}
	}
	writeJSON(w, http.StatusOK, listResponse{Success: true, Jobs: jobs, Count: len(jobs)})
}

type jobResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Job     models.BatchJob `json:"job"`
}

type jobDetailResponse struct {
	Success bool               `json:"success"`
	Job     models.BatchJob    `json:"job"`
	Items   []models.BatchItem `json:"items"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items, err := s.svc.Items(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []models.BatchItem{}
	}
	writeJSON(w, http.StatusOK, jobDetailResponse{Success: true, Job: job, Items: items})
}

type itemsResponse struct {
	Success bool               `json:"success"`
	Items   []models.BatchItem `json:"items"`
	Count   int                `json:"count"`
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.Items(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []models.BatchItem{}
	}
	writeJSON(w, http.StatusOK, itemsResponse{Success: true, Items: items, Count: len(items)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Success: true, Message: "batch job cancelled", Job: job})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Success: true, Message: "pause requested", Job: job})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Success: true, Message: "batch job resumed", Job: job})
}

type processNextResponse struct {
	Success  bool            `json:"success"`
	Item     models.BatchItem `json:"item"`
	Job      models.BatchJob  `json:"job"`
	Progress models.Progress  `json:"progress"`
}

func (s *Server) handleProcessNext(w http.ResponseWriter, r *http.Request) {
	item, job, err := s.svc.ProcessNext(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, processNextResponse{
		Success:  true,
		Item:     item,
		Job:      job,
		Progress: job.Progress(),
	})
}

type exportRequest struct {
	Destination string `json:"destination"`
}

type exportResponse struct {
	Success      bool   `json:"success"`
	TrainingFile string `json:"trainingFile"`
	BatchLog     string `json:"batchLog"`
	RecordCount  int    `json:"recordCount"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "request body is not valid JSON")
			return
		}
	}

	res, err := s.svc.Export(r.Context(), chi.URLParam(r, "id"), req.Destination)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exportResponse{
		Success:      true,
		TrainingFile: res.TrainingLocation,
		BatchLog:     res.LogLocation,
		RecordCount:  res.RecordCount,
	})
}

type statusResponse struct {
	Success  bool            `json:"success"`
	JobID    string          `json:"jobId"`
	Status   string          `json:"status"`
	Progress models.Progress `json:"progress"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Success:  true,
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress(),
	})
}
