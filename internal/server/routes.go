package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/agnosco/internal/observability"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Job routes
	mux.HandleFunc("/jobs", s.app.JobHandler.SubmitHandler) // POST - submit image
	mux.HandleFunc("/jobs/", s.handleJobRoutes)             // /{id}, /{id}/result, /{id}/stream, /{id}/callback

	// Batch routes
	mux.HandleFunc("/batches", s.app.BatchHandler.SubmitHandler) // POST - submit batch
	mux.HandleFunc("/batches/", s.handleBatchRoutes)             // /{id}, /{id}/progress

	// WebSocket monitor feed
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Prometheus metrics
	mux.Handle("/metrics", observability.Handler())

	// API routes - operational views
	mux.HandleFunc("/api/jobs/stats", s.app.JobHandler.StatsHandler)
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/shutdown", s.app.APIHandler.ShutdownHandler) // Graceful shutdown endpoint (dev mode)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.notFoundHandler)

	return mux
}

// handleJobRoutes routes /jobs/{id} and its subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if path == "" {
		http.Error(w, "Job id required", http.StatusBadRequest)
		return
	}

	// POST /jobs/{id}/callback
	if strings.HasSuffix(path, "/callback") {
		jobID := strings.TrimSuffix(path, "/callback")
		s.app.JobHandler.CallbackHandler(w, r, jobID)
		return
	}

	// GET /jobs/{id}/result
	if strings.HasSuffix(path, "/result") {
		jobID := strings.TrimSuffix(path, "/result")
		s.app.JobHandler.ResultHandler(w, r, jobID)
		return
	}

	// GET /jobs/{id}/stream (SSE)
	if strings.HasSuffix(path, "/stream") {
		jobID := strings.TrimSuffix(path, "/stream")
		s.app.StreamHandler.JobStreamHandler(w, r, jobID)
		return
	}

	// GET /jobs/{id}
	if !strings.Contains(path, "/") {
		s.app.JobHandler.StatusHandler(w, r, path)
		return
	}

	http.Error(w, "Not found", http.StatusNotFound)
}

// handleBatchRoutes routes /batches/{id} and its subpaths
func (s *Server) handleBatchRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/batches/")
	if path == "" {
		http.Error(w, "Batch id required", http.StatusBadRequest)
		return
	}

	// GET /batches/{id}/progress (SSE)
	if strings.HasSuffix(path, "/progress") {
		batchID := strings.TrimSuffix(path, "/progress")
		s.app.StreamHandler.BatchProgressHandler(w, r, batchID)
		return
	}

	// GET /batches/{id}
	if !strings.Contains(path, "/") {
		s.app.BatchHandler.StatusHandler(w, r, path)
		return
	}

	http.Error(w, "Not found", http.StatusNotFound)
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Not found", http.StatusNotFound)
}
