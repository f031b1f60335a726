package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/common"
	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
)

// MarkerHandler applies review decisions to detected markers.
type MarkerHandler struct {
	markers interfaces.MarkerStorage
	logger  arbor.ILogger
}

// NewMarkerHandler creates the marker review handler
func NewMarkerHandler(markers interfaces.MarkerStorage) *MarkerHandler {
	return &MarkerHandler{
		markers: markers,
		logger:  common.GetLogger(),
	}
}

// ReviewRequest is the body of a review decision.
type ReviewRequest struct {
	Decision     string       `json:"decision"` // "confirmed" or "rejected"
	AdjustedBBox *models.BBox `json:"adjusted_bbox,omitempty"`
	Notes        string       `json:"notes,omitempty"`
}

// ReviewHandler handles POST /api/markers/{markerId}/review
func (h *MarkerHandler) ReviewHandler(w http.ResponseWriter, r *http.Request, markerID string) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Decision != models.ReviewStatusConfirmed && req.Decision != models.ReviewStatusRejected {
		WriteError(w, http.StatusBadRequest, "decision must be confirmed or rejected")
		return
	}

	if _, err := h.markers.GetMarker(r.Context(), markerID); err != nil {
		WriteError(w, http.StatusNotFound, "Marker not found")
		return
	}

	if err := h.markers.UpdateReview(r.Context(), markerID, req.Decision, req.AdjustedBBox, req.Notes); err != nil {
		h.logger.Error().Err(err).Str("marker_id", markerID).Msg("Failed to update marker review")
		WriteError(w, http.StatusInternalServerError, "Failed to update review")
		return
	}

	marker, err := h.markers.GetMarker(r.Context(), markerID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to read marker")
		return
	}

	h.logger.Info().
		Str("marker_id", markerID).
		Str("decision", req.Decision).
		Msg("Marker reviewed")

	WriteJSON(w, http.StatusOK, marker)
}
