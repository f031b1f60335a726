package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/common"
	"github.com/Woody88/sitelink-sub001/internal/interfaces"
)

// JobHandler serves the durable processing-job rollup records.
type JobHandler struct {
	jobs   interfaces.JobStorage
	logger arbor.ILogger
}

// NewJobHandler creates the job handler
func NewJobHandler(jobs interfaces.JobStorage) *JobHandler {
	return &JobHandler{
		jobs:   jobs,
		logger: common.GetLogger(),
	}
}

// GetJobHandler handles GET /api/jobs/{uploadId}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, uploadID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	job, err := h.jobs.GetJobByUpload(r.Context(), uploadID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "Processing job not found")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}
