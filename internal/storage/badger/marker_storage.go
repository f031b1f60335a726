package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
)

// MarkerStorage implements interfaces.MarkerStorage on Badger
type MarkerStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewMarkerStorage creates a new MarkerStorage instance
func NewMarkerStorage(db *BadgerDB, logger arbor.ILogger) interfaces.MarkerStorage {
	return &MarkerStorage{
		db:     db,
		logger: logger,
	}
}

// SaveMarkers inserts one batch of markers. Callers chunk large uploads into
// bounded batches; this method does not enforce the limit itself.
func (s *MarkerStorage) SaveMarkers(ctx context.Context, markers []*models.Marker) error {
	for _, marker := range markers {
		if marker.ID == "" {
			return fmt.Errorf("marker ID is required")
		}
		// Absent bbox reads back as sheet center on every query surface
		if marker.BBox == (models.BBox{}) {
			marker.BBox = models.CenterBBox()
		}
		if err := s.db.Store().Upsert(marker.ID, marker); err != nil {
			return fmt.Errorf("failed to save marker: %w", err)
		}
	}
	return nil
}

func (s *MarkerStorage) GetMarker(ctx context.Context, markerID string) (*models.Marker, error) {
	var marker models.Marker
	if err := s.db.Store().Get(markerID, &marker); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("marker not found: %s", markerID)
		}
		return nil, fmt.Errorf("failed to get marker: %w", err)
	}
	return &marker, nil
}

func (s *MarkerStorage) ListMarkers(ctx context.Context, uploadID string) ([]*models.Marker, error) {
	var markers []models.Marker
	query := badgerhold.Where("UploadID").Eq(uploadID).SortBy("SheetNumber")
	if err := s.db.Store().Find(&markers, query); err != nil {
		return nil, fmt.Errorf("failed to list markers: %w", err)
	}

	result := make([]*models.Marker, len(markers))
	for i := range markers {
		result[i] = &markers[i]
	}
	return result, nil
}

func (s *MarkerStorage) ListMarkersByReviewStatus(ctx context.Context, uploadID, reviewStatus string) ([]*models.Marker, error) {
	var markers []models.Marker
	query := badgerhold.Where("UploadID").Eq(uploadID).And("ReviewStatus").Eq(reviewStatus).SortBy("SheetNumber")
	if err := s.db.Store().Find(&markers, query); err != nil {
		return nil, fmt.Errorf("failed to list markers by review status: %w", err)
	}

	result := make([]*models.Marker, len(markers))
	for i := range markers {
		result[i] = &markers[i]
	}
	return result, nil
}

// DeleteMarkers removes every marker of an upload. The marker stage deletes
// then re-inserts, so a redelivered detection job converges to one marker set.
func (s *MarkerStorage) DeleteMarkers(ctx context.Context, uploadID string) error {
	if err := s.db.Store().DeleteMatching(&models.Marker{}, badgerhold.Where("UploadID").Eq(uploadID)); err != nil {
		return fmt.Errorf("failed to delete markers: %w", err)
	}
	return nil
}

// UpdateReview applies a human review decision to a single marker.
func (s *MarkerStorage) UpdateReview(ctx context.Context, markerID, reviewStatus string, adjustedBBox *models.BBox, notes string) error {
	marker, err := s.GetMarker(ctx, markerID)
	if err != nil {
		return err
	}

	marker.ReviewStatus = reviewStatus
	if adjustedBBox != nil {
		marker.AdjustedBBox = adjustedBBox
	}
	if notes != "" {
		marker.ReviewNotes = notes
	}

	if err := s.db.Store().Upsert(marker.ID, marker); err != nil {
		return fmt.Errorf("failed to update marker review: %w", err)
	}
	return nil
}
