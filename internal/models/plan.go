package models

import (
	"fmt"
	"time"
)

// Metadata extraction status values for a sheet
const (
	MetadataStatusPending    = "pending"
	MetadataStatusExtracting = "extracting"
	MetadataStatusExtracted  = "extracted"
	MetadataStatusFailed     = "failed"
)

// Tile generation status values for a sheet
const (
	TileStatusPending    = "pending"
	TileStatusProcessing = "processing"
	TileStatusReady      = "ready"
	TileStatusFailed     = "failed"
)

// PlanUpload represents one upload of an original plan PDF.
// The UploadID is the versioning/partition key for everything downstream.
// Older uploads of the same plan are superseded (IsActive=false), not deleted.
type PlanUpload struct {
	UploadID       string    `json:"upload_id" badgerhold:"key"`
	PlanID         string    `json:"plan_id" badgerhold:"index"`
	OrganizationID string    `json:"organization_id"`
	ProjectID      string    `json:"project_id"`
	StorageKey     string    `json:"storage_key"` // Object store key of the original PDF
	FileSize       int64     `json:"file_size"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// StoragePrefix is the object-store directory of this upload. Every artifact
// of the upload lives under it.
func (u *PlanUpload) StoragePrefix() string {
	return fmt.Sprintf("org/%s/project/%s/plan/%s/upload/%s",
		u.OrganizationID, u.ProjectID, u.PlanID, u.UploadID)
}

// OriginalKey is the object-store key of the uploaded original PDF.
func (u *PlanUpload) OriginalKey() string {
	return u.StoragePrefix() + "/original.pdf"
}

// SheetKey is the object-store key of the one-page PDF for sheet n.
func (u *PlanUpload) SheetKey(n int) string {
	return fmt.Sprintf("%s/sheet-%d.pdf", u.StoragePrefix(), n)
}

// TilePrefix is the object-store directory of a sheet's tile pyramid.
func (u *PlanUpload) TilePrefix(sheetID string) string {
	return fmt.Sprintf("%s/sheets/%s/tiles", u.StoragePrefix(), sheetID)
}

// Sheet is one page of one upload, processed independently through the
// metadata and tile channels. The two mutation paths (MetadataStatus/SheetName
// vs TileStatus/TileCount) never touch the same columns, so no cross-stage
// lock is required at the row level.
type Sheet struct {
	ID             string    `json:"id" badgerhold:"key"`
	UploadID       string    `json:"upload_id" badgerhold:"index"`
	PlanID         string    `json:"plan_id"`
	SheetNumber    int       `json:"sheet_number"` // 1-indexed, unique within an upload
	StorageKey     string    `json:"storage_key"`  // Object store key of the one-page PDF
	SheetName      string    `json:"sheet_name"`   // Empty until extracted, e.g. "A-007"
	MetadataStatus string    `json:"metadata_status"`
	TileStatus     string    `json:"tile_status"`
	TileCount      int       `json:"tile_count"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	// MetadataAt is when the metadata channel last wrote its columns. Kept
	// apart from UpdatedAt, which tile results also bump, so straggler
	// re-detection only reacts to extraction changes.
	MetadataAt time.Time `json:"metadata_at"`
}

// MetadataTerminal reports whether the metadata channel reached a terminal
// outcome for this sheet. Failed counts as terminal so an upload never hangs.
func (s *Sheet) MetadataTerminal() bool {
	return s.MetadataStatus == MetadataStatusExtracted || s.MetadataStatus == MetadataStatusFailed
}

// TileTerminal reports whether the tile channel reached a terminal outcome.
func (s *Sheet) TileTerminal() bool {
	return s.TileStatus == TileStatusReady || s.TileStatus == TileStatusFailed
}

// Succeeded reports whether both channels completed without failure.
func (s *Sheet) Succeeded() bool {
	return s.MetadataStatus == MetadataStatusExtracted && s.TileStatus == TileStatusReady
}
