package interfaces

import (
	"context"

	"github.com/Woody88/sitelink-sub001/internal/models"
)

// SheetMetadataResult is the Sheet-Metadata Service response: the extracted
// title-block identifier for a one-page PDF.
type SheetMetadataResult struct {
	SheetName     string  `json:"sheetName"`
	ExtractedText string  `json:"extractedText"`
	Confidence    float64 `json:"confidence"`
	Method        string  `json:"method"`
}

// DetectedMarker is one candidate callout returned by the Marker-Detection
// Service. BBox may be nil when the model could not localize the callout.
type DetectedMarker struct {
	Text       string       `json:"text"`
	Sheet      string       `json:"sheet"`
	Confidence float64      `json:"confidence"`
	IsValid    bool         `json:"is_valid"`
	BBox       *models.BBox `json:"bbox"`
}

// MarkerDetectionResult is the Marker-Detection Service response for one sheet.
type MarkerDetectionResult struct {
	Markers          []DetectedMarker `json:"markers"`
	TotalDetected    int              `json:"totalDetected"`
	ProcessingTimeMs int              `json:"processingTimeMs"`
}

// TileAsset is one file of a rendered deep-zoom pyramid: the descriptor or a
// single tile image, addressed relative to the sheet's tile prefix.
type TileAsset struct {
	RelativePath string `json:"path"`
	ContentType  string `json:"contentType"`
	Data         []byte `json:"-"`
}

// TileRenderResult is the Tile-Rendering Service response for one sheet.
type TileRenderResult struct {
	Descriptor TileAsset   `json:"descriptor"`
	Tiles      []TileAsset `json:"tiles"`
}

// MetadataService extracts the sheet identifier from a one-page PDF
type MetadataService interface {
	ExtractMetadata(ctx context.Context, pdf []byte) (*SheetMetadataResult, error)
}

// MarkerService finds callout references and bounding boxes in a one-page PDF
type MarkerService interface {
	DetectMarkers(ctx context.Context, pdf []byte, validSheetNames []string, sheetNumber int) (*MarkerDetectionResult, error)
}

// TileService renders a one-page PDF into a deep-zoom tile pyramid
type TileService interface {
	RenderTiles(ctx context.Context, pdf []byte) (*TileRenderResult, error)
}
