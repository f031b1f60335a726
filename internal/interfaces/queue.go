package interfaces

import (
	"context"

	"github.com/Woody88/sitelink-sub001/internal/models"
)

// Enqueuer is the write side of a stage queue. Stages depend on this narrow
// interface so tests can capture enqueued work without a live queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *models.QueueMessage) error
}

// Coordinator tracks which sheets of an upload have completed which channel.
// All operations are idempotent under at-least-once delivery.
type Coordinator interface {
	Initialize(ctx context.Context, uploadID string, totalSheets int) error
	MarkSheetMetadataComplete(ctx context.Context, uploadID string, sheetNumber int) error
	MarkSheetTilesComplete(ctx context.Context, uploadID string, sheetNumber int) error
	MarkFailed(ctx context.Context, uploadID string, reason string) error
	EnsureMarkersEnqueued(ctx context.Context, uploadID string) error
	GetProgress(ctx context.Context, uploadID string) (*models.CoordinatorState, error)
}
