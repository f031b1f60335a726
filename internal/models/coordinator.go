package models

import (
	"sort"
	"time"
)

// Coordinator status values. The status machine is monotonic: it only ever
// advances in the order declared here and never regresses.
const (
	CoordinatorStatusInProgress       = "in_progress"
	CoordinatorStatusMetadataComplete = "metadata_complete"
	CoordinatorStatusComplete         = "complete"
	CoordinatorStatusFailed           = "failed"
)

// CoordinatorState is the durable snapshot of one progress coordinator,
// keyed by upload. Completion is tracked per channel as a set of sheet
// numbers - a set, not a counter, so duplicate redelivery of "sheet N
// complete" is a no-op.
type CoordinatorState struct {
	UploadID        string       `json:"upload_id" badgerhold:"key"`
	TotalSheets     int          `json:"total_sheets"`
	MetadataDone    map[int]bool `json:"metadata_done"`
	TilesDone       map[int]bool `json:"tiles_done"`
	Status          string       `json:"status"`
	MarkersEnqueued bool         `json:"markers_enqueued"` // Run-once guard for marker detection
	UpdatedAt       time.Time    `json:"updated_at"`
}

// NewCoordinatorState initializes state for an upload with the given sheet count.
func NewCoordinatorState(uploadID string, totalSheets int) *CoordinatorState {
	return &CoordinatorState{
		UploadID:     uploadID,
		TotalSheets:  totalSheets,
		MetadataDone: make(map[int]bool),
		TilesDone:    make(map[int]bool),
		Status:       CoordinatorStatusInProgress,
		UpdatedAt:    time.Now(),
	}
}

// MetadataCovered reports whether every sheet has a terminal metadata outcome.
func (c *CoordinatorState) MetadataCovered() bool {
	return c.TotalSheets > 0 && len(c.MetadataDone) >= c.TotalSheets
}

// TilesCovered reports whether every sheet has a terminal tile outcome.
func (c *CoordinatorState) TilesCovered() bool {
	return c.TotalSheets > 0 && len(c.TilesDone) >= c.TotalSheets
}

// SortedMetadataPages returns the metadata completion set in page order.
func (c *CoordinatorState) SortedMetadataPages() []int {
	return sortedPages(c.MetadataDone)
}

// SortedTilePages returns the tile completion set in page order.
func (c *CoordinatorState) SortedTilePages() []int {
	return sortedPages(c.TilesDone)
}

func sortedPages(set map[int]bool) []int {
	pages := make([]int, 0, len(set))
	for p := range set {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}
