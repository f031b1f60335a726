package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
)

// CoordinatorStorage persists coordinator snapshots so progress tracking
// survives process restarts.
type CoordinatorStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCoordinatorStorage creates a new CoordinatorStorage instance
func NewCoordinatorStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CoordinatorStorage {
	return &CoordinatorStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CoordinatorStorage) SaveState(ctx context.Context, state *models.CoordinatorState) error {
	if state.UploadID == "" {
		return fmt.Errorf("upload ID is required")
	}
	if err := s.db.Store().Upsert(state.UploadID, state); err != nil {
		return fmt.Errorf("failed to save coordinator state: %w", err)
	}
	return nil
}

func (s *CoordinatorStorage) GetState(ctx context.Context, uploadID string) (*models.CoordinatorState, error) {
	var state models.CoordinatorState
	if err := s.db.Store().Get(uploadID, &state); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to get coordinator state: %w", err)
	}
	if state.MetadataDone == nil {
		state.MetadataDone = make(map[int]bool)
	}
	if state.TilesDone == nil {
		state.TilesDone = make(map[int]bool)
	}
	return &state, nil
}
