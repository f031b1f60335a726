package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Woody88/sitelink-sub001/internal/models"
)

// fakeMarkerStorage is an in-memory interfaces.MarkerStorage for handler tests
type fakeMarkerStorage struct {
	markers map[string]*models.Marker
}

func newFakeMarkerStorage(markers ...*models.Marker) *fakeMarkerStorage {
	s := &fakeMarkerStorage{markers: make(map[string]*models.Marker)}
	for _, m := range markers {
		s.markers[m.ID] = m
	}
	return s
}

func (s *fakeMarkerStorage) SaveMarkers(ctx context.Context, markers []*models.Marker) error {
	for _, m := range markers {
		s.markers[m.ID] = m
	}
	return nil
}

func (s *fakeMarkerStorage) GetMarker(ctx context.Context, markerID string) (*models.Marker, error) {
	m, ok := s.markers[markerID]
	if !ok {
		return nil, fmt.Errorf("marker not found: %s", markerID)
	}
	cp := *m
	return &cp, nil
}

func (s *fakeMarkerStorage) ListMarkers(ctx context.Context, uploadID string) ([]*models.Marker, error) {
	var result []*models.Marker
	for _, m := range s.markers {
		if m.UploadID == uploadID {
			result = append(result, m)
		}
	}
	return result, nil
}

func (s *fakeMarkerStorage) ListMarkersByReviewStatus(ctx context.Context, uploadID, reviewStatus string) ([]*models.Marker, error) {
	var result []*models.Marker
	for _, m := range s.markers {
		if m.UploadID == uploadID && m.ReviewStatus == reviewStatus {
			result = append(result, m)
		}
	}
	return result, nil
}

func (s *fakeMarkerStorage) DeleteMarkers(ctx context.Context, uploadID string) error {
	for id, m := range s.markers {
		if m.UploadID == uploadID {
			delete(s.markers, id)
		}
	}
	return nil
}

func (s *fakeMarkerStorage) UpdateReview(ctx context.Context, markerID, reviewStatus string, adjustedBBox *models.BBox, notes string) error {
	m, ok := s.markers[markerID]
	if !ok {
		return fmt.Errorf("marker not found: %s", markerID)
	}
	m.ReviewStatus = reviewStatus
	m.AdjustedBBox = adjustedBBox
	m.ReviewNotes = notes
	return nil
}

func reviewRequest(t *testing.T, body interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return httptest.NewRequest("POST", "/api/markers/mark-1/review", bytes.NewReader(data))
}

func TestReviewHandlerConfirms(t *testing.T) {
	storage := newFakeMarkerStorage(&models.Marker{
		ID:           "mark-1",
		UploadID:     "up-1",
		ReviewStatus: models.ReviewStatusPending,
	})
	handler := NewMarkerHandler(storage)

	rec := httptest.NewRecorder()
	handler.ReviewHandler(rec, reviewRequest(t, ReviewRequest{
		Decision:     models.ReviewStatusConfirmed,
		AdjustedBBox: &models.BBox{X: 0.4, Y: 0.6},
		Notes:        "moved to the actual callout",
	}), "mark-1")

	require.Equal(t, http.StatusOK, rec.Code)

	var reviewed models.Marker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reviewed))
	assert.Equal(t, models.ReviewStatusConfirmed, reviewed.ReviewStatus)
	require.NotNil(t, reviewed.AdjustedBBox)
	assert.Equal(t, 0.4, reviewed.AdjustedBBox.X)
	assert.Equal(t, "moved to the actual callout", reviewed.ReviewNotes)
}

func TestReviewHandlerRejectsBadDecision(t *testing.T) {
	storage := newFakeMarkerStorage(&models.Marker{ID: "mark-1", UploadID: "up-1"})
	handler := NewMarkerHandler(storage)

	rec := httptest.NewRecorder()
	handler.ReviewHandler(rec, reviewRequest(t, ReviewRequest{Decision: "maybe"}), "mark-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Pending is not a decision either
	rec = httptest.NewRecorder()
	handler.ReviewHandler(rec, reviewRequest(t, ReviewRequest{Decision: models.ReviewStatusPending}), "mark-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReviewHandlerUnknownMarker(t *testing.T) {
	handler := NewMarkerHandler(newFakeMarkerStorage())

	rec := httptest.NewRecorder()
	handler.ReviewHandler(rec, reviewRequest(t, ReviewRequest{Decision: models.ReviewStatusRejected}), "mark-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReviewHandlerRequiresPost(t *testing.T) {
	handler := NewMarkerHandler(newFakeMarkerStorage())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/markers/mark-1/review", nil)
	handler.ReviewHandler(rec, req, "mark-1")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
