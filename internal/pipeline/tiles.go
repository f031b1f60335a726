package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
	"github.com/Woody88/sitelink-sub001/internal/queue"
	"github.com/Woody88/sitelink-sub001/internal/workers"
)

// TileGenerator is the stage 4 handler. One TileJob per sheet: render the
// page PDF into a deep-zoom pyramid via the tile service, upload descriptor
// and tiles under the sheet's tile prefix, mark the sheet ready.
//
// Like the metadata channel, both success and permanent failure report tile
// completion to the coordinator so the upload always terminates.
type TileGenerator struct {
	uploads interfaces.UploadStorage
	sheets  interfaces.SheetStorage
	jobs    interfaces.JobStorage
	objects interfaces.ObjectStorage
	service interfaces.TileService
	coord   interfaces.Coordinator
	logger  arbor.ILogger
}

// NewTileGenerator creates the tile stage handler
func NewTileGenerator(
	uploads interfaces.UploadStorage,
	sheets interfaces.SheetStorage,
	jobs interfaces.JobStorage,
	objects interfaces.ObjectStorage,
	service interfaces.TileService,
	coord interfaces.Coordinator,
	logger arbor.ILogger,
) *TileGenerator {
	return &TileGenerator{
		uploads: uploads,
		sheets:  sheets,
		jobs:    jobs,
		objects: objects,
		service: service,
		coord:   coord,
		logger:  logger,
	}
}

// Handle processes one TileJob message
func (g *TileGenerator) Handle(ctx context.Context, msg *models.QueueMessage) error {
	var job models.TileJob
	if err := msg.DecodePayload(&job); err != nil {
		return queue.Permanent(err)
	}

	logger := g.logger.WithCorrelationId(job.UploadID)

	sheet, err := g.sheets.GetSheetByNumber(ctx, job.UploadID, job.SheetNumber)
	if err != nil {
		return fmt.Errorf("failed to resolve sheet %d: %w", job.SheetNumber, err)
	}

	// A crash between store and ack redelivers the job; a sheet that is
	// already ready just re-reports completion
	if sheet.TileStatus == models.TileStatusReady {
		logger.Debug().
			Int("sheet_number", job.SheetNumber).
			Msg("Tiles already rendered, re-reporting completion")
		return g.reportComplete(ctx, job.UploadID, job.SheetNumber)
	}

	if err := g.sheets.UpdateTileResult(ctx, job.UploadID, job.SheetNumber,
		models.TileStatusProcessing, 0, ""); err != nil {
		return fmt.Errorf("failed to mark sheet processing: %w", err)
	}

	pdf, err := g.fetchPage(ctx, job.SheetKey)
	if err != nil {
		return fmt.Errorf("failed to fetch page PDF for sheet %d: %w", job.SheetNumber, err)
	}

	result, err := g.service.RenderTiles(ctx, pdf)
	if err != nil {
		var svcErr *workers.ServiceError
		if errors.As(err, &svcErr) && !svcErr.Retryable() {
			return g.recordFailure(ctx, &job, logger, err)
		}
		// Cold starts, refused connections and 5xx retry via redelivery
		return err
	}

	upload, err := g.uploads.GetUpload(ctx, job.UploadID)
	if err != nil {
		return fmt.Errorf("failed to resolve upload: %w", err)
	}

	tileCount, err := g.uploadAssets(ctx, upload.TilePrefix(sheet.ID), result)
	if err != nil {
		return fmt.Errorf("failed to upload tile assets for sheet %d: %w", job.SheetNumber, err)
	}

	if err := g.sheets.UpdateTileResult(ctx, job.UploadID, job.SheetNumber,
		models.TileStatusReady, tileCount, ""); err != nil {
		return fmt.Errorf("failed to record tile result: %w", err)
	}

	logger.Info().
		Int("sheet_number", job.SheetNumber).
		Int("tile_count", tileCount).
		Msg("Tile pyramid rendered")

	return g.reportComplete(ctx, job.UploadID, job.SheetNumber)
}

// HandleDeadLetter is wired to the tile queue's dead-letter callback: a job
// that exhausted its redeliveries is recorded as a permanent failure so the
// upload still terminates.
func (g *TileGenerator) HandleDeadLetter(ctx context.Context, msg *models.QueueMessage) {
	var job models.TileJob
	if err := msg.DecodePayload(&job); err != nil {
		g.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Undecodable dead-lettered tile job")
		return
	}
	logger := g.logger.WithCorrelationId(job.UploadID)
	if err := g.recordFailureState(ctx, &job, logger, errors.New("tile rendering retries exhausted")); err != nil {
		logger.Error().Err(err).Msg("Failed to record dead-lettered tile job")
	}
}

func (g *TileGenerator) fetchPage(ctx context.Context, key string) ([]byte, error) {
	reader, err := g.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (g *TileGenerator) uploadAssets(ctx context.Context, prefix string, result *interfaces.TileRenderResult) (int, error) {
	assets := append([]interfaces.TileAsset{result.Descriptor}, result.Tiles...)
	for _, asset := range assets {
		key := prefix + "/" + asset.RelativePath
		if err := g.objects.Put(ctx, key, bytes.NewReader(asset.Data), int64(len(asset.Data)), asset.ContentType); err != nil {
			return 0, fmt.Errorf("asset %s: %w", asset.RelativePath, err)
		}
	}
	return len(result.Tiles), nil
}

func (g *TileGenerator) recordFailure(ctx context.Context, job *models.TileJob, logger arbor.ILogger, cause error) error {
	if err := g.recordFailureState(ctx, job, logger, cause); err != nil {
		return err
	}
	return queue.Permanent(cause)
}

func (g *TileGenerator) recordFailureState(ctx context.Context, job *models.TileJob, logger arbor.ILogger, cause error) error {
	logger.Error().
		Err(cause).
		Int("sheet_number", job.SheetNumber).
		Msg("Tile rendering failed permanently")

	if err := g.sheets.UpdateTileResult(ctx, job.UploadID, job.SheetNumber,
		models.TileStatusFailed, 0, cause.Error()); err != nil {
		return fmt.Errorf("failed to record tile failure: %w", err)
	}

	if pj, err := g.jobs.GetJobByUpload(ctx, job.UploadID); err == nil {
		pj.AddFailedPage(job.SheetNumber)
		pj.LastError = cause.Error()
		if err := g.jobs.UpdateJob(ctx, pj); err != nil {
			logger.Warn().Err(err).Msg("Failed to record failed page on job")
		}
	}

	// Failed is terminal for the tile channel, the coordinator still counts it
	return g.reportComplete(ctx, job.UploadID, job.SheetNumber)
}

func (g *TileGenerator) reportComplete(ctx context.Context, uploadID string, sheetNumber int) error {
	err := g.coord.MarkSheetTilesComplete(ctx, uploadID, sheetNumber)
	if err != nil {
		if errors.Is(err, ErrSheetOutOfRange) {
			g.logger.Error().
				Err(err).
				Str("upload_id", uploadID).
				Msg("Completion report rejected")
			return queue.Permanent(err)
		}
		return fmt.Errorf("failed to report tile completion: %w", err)
	}
	return nil
}
