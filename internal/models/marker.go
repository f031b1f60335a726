package models

import (
	"encoding/json"
	"time"
)

// Review status values for a marker
const (
	ReviewStatusPending   = "pending"
	ReviewStatusConfirmed = "confirmed"
	ReviewStatusRejected  = "rejected"
)

// BBox is a normalized bounding box on the source sheet, all coordinates in
// [0,1]. A marker whose detection service returned no box is stored with a
// zero-size box centered at (0.5, 0.5) - never null - so every query surface
// reads back center coordinates.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CenterBBox returns the placeholder box used when detection produced no
// coordinates: sheet center, zero extent.
func CenterBBox() BBox {
	return BBox{X: 0.5, Y: 0.5}
}

// Marker is one detected callout reference on one sheet, e.g. "3/A7" meaning
// detail 3 on sheet A7. Created in bulk by the marker-detection stage; the
// review fields are later mutated by the external review action.
type Marker struct {
	ID             string    `json:"id" badgerhold:"key"`
	UploadID       string    `json:"upload_id" badgerhold:"index"`
	PlanID         string    `json:"plan_id"`
	SheetNumber    int       `json:"sheet_number"` // Source sheet the callout is printed on
	MarkerText     string    `json:"marker_text"`  // Raw detected text, e.g. "3/A7"
	Detail         string    `json:"detail"`       // Detail number, e.g. "3"
	TargetSheetRef string    `json:"target_sheet_ref"`
	MarkerType     string    `json:"marker_type"`
	Confidence     float64   `json:"confidence"` // Detection confidence in [0,1]
	IsValid        bool      `json:"is_valid"`   // TargetSheetRef resolved to a known sheet
	FuzzyMatched   bool      `json:"fuzzy_matched"`
	BBox           BBox      `json:"bbox"`
	ReviewStatus   string    `json:"review_status"`
	AdjustedBBox   *BBox     `json:"adjusted_bbox,omitempty"`
	ReviewNotes    string    `json:"review_notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NeedsReview reports whether the marker was gated into the review queue.
func (m *Marker) NeedsReview() bool {
	return m.ReviewStatus == ReviewStatusPending
}

// MarshalJSON guarantees the center-coordinate default survives serialization
// even for zero-value markers created before detection ran.
func (m Marker) MarshalJSON() ([]byte, error) {
	type alias Marker
	a := alias(m)
	if a.BBox == (BBox{}) {
		a.BBox = CenterBBox()
	}
	return json.Marshal(a)
}
