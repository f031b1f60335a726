package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/common"
	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
	"github.com/Woody88/sitelink-sub001/internal/pipeline"
)

// UploadHandler registers plan uploads and serves per-upload progress views.
type UploadHandler struct {
	uploads  interfaces.UploadStorage
	sheets   interfaces.SheetStorage
	markers  interfaces.MarkerStorage
	jobs     interfaces.JobStorage
	objects  interfaces.ObjectStorage
	coord    interfaces.Coordinator
	enqueuer interfaces.Enqueuer
	bucket   string
	logger   arbor.ILogger
}

// NewUploadHandler creates the upload handler
func NewUploadHandler(
	uploads interfaces.UploadStorage,
	sheets interfaces.SheetStorage,
	markers interfaces.MarkerStorage,
	jobs interfaces.JobStorage,
	objects interfaces.ObjectStorage,
	coord interfaces.Coordinator,
	enqueuer interfaces.Enqueuer,
	bucket string,
) *UploadHandler {
	return &UploadHandler{
		uploads:  uploads,
		sheets:   sheets,
		markers:  markers,
		jobs:     jobs,
		objects:  objects,
		coord:    coord,
		enqueuer: enqueuer,
		bucket:   bucket,
		logger:   common.GetLogger(),
	}
}

// CreateUploadRequest registers an already-stored original PDF for processing.
type CreateUploadRequest struct {
	PlanID         string `json:"plan_id"`
	OrganizationID string `json:"organization_id"`
	ProjectID      string `json:"project_id"`
	StorageKey     string `json:"storage_key"`
}

// CreateUploadHandler handles POST /api/uploads: creates the PlanUpload and
// pending ProcessingJob records and enqueues the split trigger.
func (h *UploadHandler) CreateUploadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req CreateUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PlanID == "" || req.OrganizationID == "" || req.ProjectID == "" || req.StorageKey == "" {
		WriteError(w, http.StatusBadRequest, "plan_id, organization_id, project_id and storage_key are required")
		return
	}

	// The original must already be in the object store
	size, _, err := h.objects.Stat(r.Context(), req.StorageKey)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Original PDF not found at storage_key")
		return
	}

	upload := &models.PlanUpload{
		UploadID:       common.NewUploadID(),
		PlanID:         req.PlanID,
		OrganizationID: req.OrganizationID,
		ProjectID:      req.ProjectID,
		StorageKey:     req.StorageKey,
		FileSize:       size,
		IsActive:       true,
		CreatedAt:      time.Now(),
	}
	if err := h.uploads.SaveUpload(r.Context(), upload); err != nil {
		h.logger.Error().Err(err).Msg("Failed to save upload")
		WriteError(w, http.StatusInternalServerError, "Failed to register upload")
		return
	}

	// A re-uploaded plan supersedes its older uploads
	if err := h.uploads.DeactivateOlderUploads(r.Context(), upload.PlanID, upload.UploadID); err != nil {
		h.logger.Warn().Err(err).Str("plan_id", upload.PlanID).Msg("Failed to deactivate older uploads")
	}

	job := &models.ProcessingJob{
		ID:             common.NewJobID(),
		UploadID:       upload.UploadID,
		PlanID:         upload.PlanID,
		OrganizationID: upload.OrganizationID,
		ProjectID:      upload.ProjectID,
		SourceKey:      upload.StorageKey,
		Status:         models.JobStatusPending,
		CreatedAt:      time.Now(),
	}
	if err := h.jobs.SaveJob(r.Context(), job); err != nil {
		h.logger.Error().Err(err).Msg("Failed to save processing job")
		WriteError(w, http.StatusInternalServerError, "Failed to create processing job")
		return
	}

	msg, err := models.NewQueueMessage(common.NewJobID(), models.MessageTypeSplit, models.SplitTrigger{
		Bucket:    h.bucket,
		ObjectKey: upload.StorageKey,
		EventTime: time.Now(),
	})
	if err == nil {
		err = h.enqueuer.Enqueue(r.Context(), msg)
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to enqueue split trigger")
		WriteError(w, http.StatusInternalServerError, "Failed to enqueue processing")
		return
	}

	h.logger.Info().
		Str("upload_id", upload.UploadID).
		Str("plan_id", upload.PlanID).
		Int64("file_size", size).
		Msg("Plan upload registered")

	WriteJSON(w, http.StatusCreated, map[string]string{
		"upload_id": upload.UploadID,
		"job_id":    job.ID,
		"status":    job.Status,
	})
}

// ProgressHandler handles GET /api/uploads/{uploadId}/progress: the live
// coordinator view of the upload.
func (h *UploadHandler) ProgressHandler(w http.ResponseWriter, r *http.Request, uploadID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	state, err := h.coord.GetProgress(r.Context(), uploadID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotInitialized) {
			WriteError(w, http.StatusNotFound, "No progress recorded for upload")
			return
		}
		h.logger.Error().Err(err).Str("upload_id", uploadID).Msg("Failed to read progress")
		WriteError(w, http.StatusInternalServerError, "Failed to read progress")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"upload_id":        state.UploadID,
		"status":           state.Status,
		"total_sheets":     state.TotalSheets,
		"metadata_done":    state.SortedMetadataPages(),
		"tiles_done":       state.SortedTilePages(),
		"markers_enqueued": state.MarkersEnqueued,
		"updated_at":       state.UpdatedAt,
	})
}

// SheetsHandler handles GET /api/uploads/{uploadId}/sheets
func (h *UploadHandler) SheetsHandler(w http.ResponseWriter, r *http.Request, uploadID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	sheets, err := h.sheets.ListSheets(r.Context(), uploadID)
	if err != nil {
		h.logger.Error().Err(err).Str("upload_id", uploadID).Msg("Failed to list sheets")
		WriteError(w, http.StatusInternalServerError, "Failed to list sheets")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"upload_id": uploadID,
		"count":     len(sheets),
		"sheets":    sheets,
	})
}

// MarkersHandler handles GET /api/uploads/{uploadId}/markers with an optional
// review filter, e.g. ?review=pending for the review queue.
func (h *UploadHandler) MarkersHandler(w http.ResponseWriter, r *http.Request, uploadID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	var markers []*models.Marker
	var err error

	if review := r.URL.Query().Get("review"); review != "" {
		markers, err = h.markers.ListMarkersByReviewStatus(r.Context(), uploadID, review)
	} else {
		markers, err = h.markers.ListMarkers(r.Context(), uploadID)
	}
	if err != nil {
		h.logger.Error().Err(err).Str("upload_id", uploadID).Msg("Failed to list markers")
		WriteError(w, http.StatusInternalServerError, "Failed to list markers")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"upload_id": uploadID,
		"count":     len(markers),
		"markers":   markers,
	})
}
