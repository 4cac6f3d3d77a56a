// Package server exposes registration jobs over a JSON HTTP API with
// server-sent progress events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cwbudde/meansquares/internal/config"
	"github.com/cwbudde/meansquares/internal/imaging"
	"github.com/cwbudde/meansquares/internal/register"
	"github.com/cwbudde/meansquares/internal/store"
)

// Server represents the HTTP server
type Server struct {
	jobManager *JobManager
	store      store.Store // may be nil
	base       *config.Config
	addr       string
	server     *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server whose jobs start from base. A nil store
// disables checkpoints, traces and stored artifacts.
func NewServer(addr string, st store.Store, base *config.Config) *Server {
	if base == nil {
		base = config.DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		jobManager: NewJobManager(),
		store:      st,
		base:       base,
		addr:       addr,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Handler returns the API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/stream", s.handleJobStream)
	mux.HandleFunc("GET /api/v1/jobs/{id}/trace", s.handleGetTrace)
	mux.HandleFunc("GET /api/v1/jobs/{id}/resampled.png", s.handleImage("resampled"))
	mux.HandleFunc("GET /api/v1/jobs/{id}/diff.png", s.handleImage("diff"))
	mux.HandleFunc("GET /api/v1/checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("POST /api/v1/checkpoints/{id}/resume", s.handleResume)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown cancels running jobs and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server", "running_jobs", len(s.jobManager.GetRunningJobs()))
	s.cancel()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// startJob launches the worker for a pending job.
func (s *Server) startJob(jobID string) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.jobManager.setCancel(jobID, cancel)
	go func() {
		defer cancel()
		if err := runJob(ctx, s.jobManager, s.store, s.base, jobID); err != nil {
			slog.Debug("Job ended with error", "job_id", jobID, "error", err)
		}
	}()
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var jc JobConfig
	if err := json.NewDecoder(r.Body).Decode(&jc); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if jc.FixedPath == "" || jc.MovingPath == "" {
		http.Error(w, "fixedPath and movingPath are required", http.StatusBadRequest)
		return
	}
	applyDefaults(&jc, s.base)
	if _, err := jobToConfig(s.base, jc, nil); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := s.jobManager.CreateJob(jc)
	s.startJob(job.ID)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
}

// jobStatus is the GET /api/v1/jobs/{id} response.
type jobStatus struct {
	*Job
	Elapsed float64 `json:"elapsed"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobManager.GetJob(r.PathValue("id"))
	if !ok {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, jobStatus{Job: job, Elapsed: job.Elapsed().Seconds()})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.jobManager.GetJob(id); !ok {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err := s.jobManager.CancelJob(id); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "No store configured", http.StatusNotFound)
		return
	}
	entries, err := s.store.ReadTrace(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Trace not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.TraceEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleImage renders the resampled or diff image of a job that is still in
// memory, and falls back to the stored artifact otherwise.
func (s *Server) handleImage(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		w.Header().Set("Cache-Control", "no-cache")

		job, ok := s.jobManager.GetJob(id)
		if ok && len(job.BestParams) > 0 {
			img, err := s.renderJobImage(job, name)
			if err != nil {
				http.Error(w, fmt.Sprintf("Failed to render %s: %v", name, err), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "image/png")
			if err := imaging.WritePNG(w, img); err != nil {
				slog.Error("Failed to encode PNG", "error", err)
			}
			return
		}
		if ok {
			http.Error(w, "No results yet", http.StatusNotFound)
			return
		}

		if s.store == nil {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		rc, err := s.store.OpenImage(id, name)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "image/png")
		io.Copy(w, rc)
	}
}

func (s *Server) renderJobImage(job *Job, name string) (*imaging.Image, error) {
	cfg, err := jobToConfig(s.base, job.Config, nil)
	if err != nil {
		return nil, err
	}
	in, err := register.LoadInputs(job.Config.FixedPath, job.Config.MovingPath, "", "")
	if err != nil {
		return nil, err
	}
	resampled, diff, err := renderResult(cfg, in, job.BestParams)
	if err != nil {
		return nil, err
	}
	if name == "diff" {
		return diff, nil
	}
	return resampled, nil
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []store.CheckpointInfo{})
		return
	}
	infos, err := s.store.ListCheckpoints()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "No store configured", http.StatusNotFound)
		return
	}
	cp, err := s.store.LoadCheckpoint(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Checkpoint not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := cp.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	job, err := s.jobManager.CreateResumedJob(cp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.startJob(job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
