package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
)

// UploadStorage implements interfaces.UploadStorage on Badger
type UploadStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewUploadStorage creates a new UploadStorage instance
func NewUploadStorage(db *BadgerDB, logger arbor.ILogger) interfaces.UploadStorage {
	return &UploadStorage{
		db:     db,
		logger: logger,
	}
}

func (s *UploadStorage) SaveUpload(ctx context.Context, upload *models.PlanUpload) error {
	if upload.UploadID == "" {
		return fmt.Errorf("upload ID is required")
	}
	if err := s.db.Store().Upsert(upload.UploadID, upload); err != nil {
		return fmt.Errorf("failed to save upload: %w", err)
	}
	return nil
}

func (s *UploadStorage) GetUpload(ctx context.Context, uploadID string) (*models.PlanUpload, error) {
	var upload models.PlanUpload
	if err := s.db.Store().Get(uploadID, &upload); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("upload not found: %s", uploadID)
		}
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	return &upload, nil
}

// GetUploadByStorageKey resolves the upload that owns an object-store key.
// The splitter uses this to map storage events back to uploads.
func (s *UploadStorage) GetUploadByStorageKey(ctx context.Context, storageKey string) (*models.PlanUpload, error) {
	var uploads []models.PlanUpload
	query := badgerhold.Where("StorageKey").Eq(storageKey).Limit(1)
	if err := s.db.Store().Find(&uploads, query); err != nil {
		return nil, fmt.Errorf("failed to query upload by storage key: %w", err)
	}
	if len(uploads) == 0 {
		return nil, fmt.Errorf("upload not found for key %s", storageKey)
	}
	return &uploads[0], nil
}

// DeactivateOlderUploads clears the active flag on every other upload of the
// plan. Superseded uploads are kept, not deleted.
func (s *UploadStorage) DeactivateOlderUploads(ctx context.Context, planID, activeUploadID string) error {
	var uploads []models.PlanUpload
	query := badgerhold.Where("PlanID").Eq(planID)
	if err := s.db.Store().Find(&uploads, query); err != nil {
		return fmt.Errorf("failed to list plan uploads: %w", err)
	}

	for i := range uploads {
		if uploads[i].UploadID == activeUploadID || !uploads[i].IsActive {
			continue
		}
		uploads[i].IsActive = false
		if err := s.db.Store().Upsert(uploads[i].UploadID, &uploads[i]); err != nil {
			return fmt.Errorf("failed to deactivate upload %s: %w", uploads[i].UploadID, err)
		}
	}
	return nil
}
