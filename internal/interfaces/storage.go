package interfaces

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Woody88/sitelink-sub001/internal/models"
)

// ErrStateNotFound is returned when no coordinator snapshot exists for an
// upload yet.
var ErrStateNotFound = errors.New("coordinator state not found")

// UploadStorage persists plan upload records
type UploadStorage interface {
	SaveUpload(ctx context.Context, upload *models.PlanUpload) error
	GetUpload(ctx context.Context, uploadID string) (*models.PlanUpload, error)
	GetUploadByStorageKey(ctx context.Context, storageKey string) (*models.PlanUpload, error)
	DeactivateOlderUploads(ctx context.Context, planID, activeUploadID string) error
}

// SheetStorage persists per-page sheet rows
type SheetStorage interface {
	SaveSheets(ctx context.Context, sheets []*models.Sheet) error
	GetSheet(ctx context.Context, sheetID string) (*models.Sheet, error)
	GetSheetByNumber(ctx context.Context, uploadID string, sheetNumber int) (*models.Sheet, error)
	ListSheets(ctx context.Context, uploadID string) ([]*models.Sheet, error)
	CountSheets(ctx context.Context, uploadID string) (int, error)
	UpdateMetadataResult(ctx context.Context, uploadID string, sheetNumber int, status, sheetName, errorMessage string) error
	UpdateTileResult(ctx context.Context, uploadID string, sheetNumber int, status string, tileCount int, errorMessage string) error
}

// MarkerStorage persists detected callout markers
type MarkerStorage interface {
	SaveMarkers(ctx context.Context, markers []*models.Marker) error
	GetMarker(ctx context.Context, markerID string) (*models.Marker, error)
	ListMarkers(ctx context.Context, uploadID string) ([]*models.Marker, error)
	ListMarkersByReviewStatus(ctx context.Context, uploadID, reviewStatus string) ([]*models.Marker, error)
	DeleteMarkers(ctx context.Context, uploadID string) error
	UpdateReview(ctx context.Context, markerID, reviewStatus string, adjustedBBox *models.BBox, notes string) error
}

// JobStorage persists the external-facing processing job rollup
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.ProcessingJob) error
	GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error)
	GetJobByUpload(ctx context.Context, uploadID string) (*models.ProcessingJob, error)
	ListActiveJobs(ctx context.Context) ([]*models.ProcessingJob, error)
	UpdateJob(ctx context.Context, job *models.ProcessingJob) error
}

// CoordinatorStorage persists coordinator snapshots for crash recovery
type CoordinatorStorage interface {
	SaveState(ctx context.Context, state *models.CoordinatorState) error
	GetState(ctx context.Context, uploadID string) (*models.CoordinatorState, error)
}

// ObjectStorage is the opaque blob store holding original PDFs, page PDFs and
// tile pyramids
type ObjectStorage interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Stat(ctx context.Context, key string) (int64, time.Time, error)
}
