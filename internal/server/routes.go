package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Uploads
	mux.HandleFunc("/api/uploads", s.app.UploadHandler.CreateUploadHandler) // POST - register upload
	mux.HandleFunc("/api/uploads/", s.handleUploadRoutes)                   // GET /{id}/progress|sheets|markers

	// API routes - Processing jobs
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // GET /{uploadId}

	// API routes - Marker review
	mux.HandleFunc("/api/markers/", s.handleMarkerRoutes) // POST /{markerId}/review

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	return mux
}

// handleUploadRoutes dispatches /api/uploads/{uploadId}/{view}
func (s *Server) handleUploadRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/uploads/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	uploadID := parts[0]
	switch parts[1] {
	case "progress":
		s.app.UploadHandler.ProgressHandler(w, r, uploadID)
	case "sheets":
		s.app.UploadHandler.SheetsHandler(w, r, uploadID)
	case "markers":
		s.app.UploadHandler.MarkersHandler(w, r, uploadID)
	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

// handleJobRoutes dispatches /api/jobs/{uploadId}
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	uploadID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if uploadID == "" || strings.Contains(uploadID, "/") {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}
	s.app.JobHandler.GetJobHandler(w, r, uploadID)
}

// handleMarkerRoutes dispatches /api/markers/{markerId}/review
func (s *Server) handleMarkerRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/markers/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "review" {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}
	s.app.MarkerHandler.ReviewHandler(w, r, parts[0])
}
