package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
)

// SheetStorage implements interfaces.SheetStorage on Badger
type SheetStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSheetStorage creates a new SheetStorage instance
func NewSheetStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SheetStorage {
	return &SheetStorage{
		db:     db,
		logger: logger,
	}
}

// SaveSheets inserts sheet rows in bulk. Existing rows with the same ID are
// overwritten, which keeps redelivered splits convergent.
func (s *SheetStorage) SaveSheets(ctx context.Context, sheets []*models.Sheet) error {
	for _, sheet := range sheets {
		if sheet.ID == "" {
			return fmt.Errorf("sheet ID is required")
		}
		if err := s.db.Store().Upsert(sheet.ID, sheet); err != nil {
			return fmt.Errorf("failed to save sheet %d: %w", sheet.SheetNumber, err)
		}
	}
	return nil
}

func (s *SheetStorage) GetSheet(ctx context.Context, sheetID string) (*models.Sheet, error) {
	var sheet models.Sheet
	if err := s.db.Store().Get(sheetID, &sheet); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("sheet not found: %s", sheetID)
		}
		return nil, fmt.Errorf("failed to get sheet: %w", err)
	}
	return &sheet, nil
}

func (s *SheetStorage) GetSheetByNumber(ctx context.Context, uploadID string, sheetNumber int) (*models.Sheet, error) {
	var sheets []models.Sheet
	query := badgerhold.Where("UploadID").Eq(uploadID).And("SheetNumber").Eq(sheetNumber).Limit(1)
	if err := s.db.Store().Find(&sheets, query); err != nil {
		return nil, fmt.Errorf("failed to query sheet: %w", err)
	}
	if len(sheets) == 0 {
		return nil, fmt.Errorf("sheet %d not found for upload %s", sheetNumber, uploadID)
	}
	return &sheets[0], nil
}

func (s *SheetStorage) ListSheets(ctx context.Context, uploadID string) ([]*models.Sheet, error) {
	var sheets []models.Sheet
	query := badgerhold.Where("UploadID").Eq(uploadID).SortBy("SheetNumber")
	if err := s.db.Store().Find(&sheets, query); err != nil {
		return nil, fmt.Errorf("failed to list sheets: %w", err)
	}

	result := make([]*models.Sheet, len(sheets))
	for i := range sheets {
		result[i] = &sheets[i]
	}
	return result, nil
}

func (s *SheetStorage) CountSheets(ctx context.Context, uploadID string) (int, error) {
	count, err := s.db.Store().Count(&models.Sheet{}, badgerhold.Where("UploadID").Eq(uploadID))
	if err != nil {
		return 0, fmt.Errorf("failed to count sheets: %w", err)
	}
	return int(count), nil
}

// UpdateMetadataResult writes the metadata-channel columns only. The tile
// channel never touches these, so concurrent stage 2/4 updates for the same
// sheet cannot clobber each other.
func (s *SheetStorage) UpdateMetadataResult(ctx context.Context, uploadID string, sheetNumber int, status, sheetName, errorMessage string) error {
	sheet, err := s.GetSheetByNumber(ctx, uploadID, sheetNumber)
	if err != nil {
		return err
	}

	now := time.Now()
	sheet.MetadataStatus = status
	sheet.SheetName = sheetName
	if errorMessage != "" {
		sheet.ErrorMessage = errorMessage
	}
	sheet.MetadataAt = now
	sheet.UpdatedAt = now

	if err := s.db.Store().Upsert(sheet.ID, sheet); err != nil {
		return fmt.Errorf("failed to update sheet metadata: %w", err)
	}
	return nil
}

// UpdateTileResult writes the tile-channel columns only.
func (s *SheetStorage) UpdateTileResult(ctx context.Context, uploadID string, sheetNumber int, status string, tileCount int, errorMessage string) error {
	sheet, err := s.GetSheetByNumber(ctx, uploadID, sheetNumber)
	if err != nil {
		return err
	}

	sheet.TileStatus = status
	sheet.TileCount = tileCount
	if errorMessage != "" {
		sheet.ErrorMessage = errorMessage
	}
	sheet.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(sheet.ID, sheet); err != nil {
		return fmt.Errorf("failed to update sheet tiles: %w", err)
	}
	return nil
}
