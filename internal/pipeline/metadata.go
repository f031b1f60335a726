package pipeline

import (
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

// MetadataExtractor is the stage 2 handler. One MetadataJob per sheet: fetch
// the page PDF, call the metadata service, record the extracted sheet name.
//
// Both success and permanent failure report the sheet as accounted for to the
// coordinator, so an upload with failed sheets still reaches
// metadata_complete instead of hanging. Transient failures are left unacked
// for redelivery and report nothing.
type MetadataExtractor struct {
	sheets  interfaces.SheetStorage
	jobs    interfaces.JobStorage
	objects interfaces.ObjectStorage
	service interfaces.MetadataService
	coord   interfaces.Coordinator
	logger  arbor.ILogger
}

// NewMetadataExtractor creates the metadata stage handler
func NewMetadataExtractor(
	sheets interfaces.SheetStorage,
	jobs interfaces.JobStorage,
	objects interfaces.ObjectStorage,
	service interfaces.MetadataService,
	coord interfaces.Coordinator,
	logger arbor.ILogger,
) *MetadataExtractor {
	return &MetadataExtractor{
		sheets:  sheets,
		jobs:    jobs,
		objects: objects,
		service: service,
		coord:   coord,
		logger:  logger,
	}
}

// Handle processes one MetadataJob message
func (e *MetadataExtractor) Handle(ctx context.Context, msg *models.QueueMessage) error {
	var job models.MetadataJob
	if err := msg.DecodePayload(&job); err != nil {
		return queue.Permanent(err)
	}

	logger := e.logger.WithCorrelationId(job.UploadID)

	pdf, err := e.fetchPage(ctx, job.SheetKey)
	if err != nil {
		return fmt.Errorf("failed to fetch page PDF for sheet %d: %w", job.SheetNumber, err)
	}

	result, err := e.service.ExtractMetadata(ctx, pdf)
	if err != nil {
		var svcErr *workers.ServiceError
		if errors.As(err, &svcErr) && !svcErr.Retryable() {
			return e.recordFailure(ctx, &job, logger, err)
		}
		// Timeouts, refused connections and 5xx retry via redelivery
		return err
	}

	// Redelivery after a crash between store and ack overwrites the row
	// with the identical result, so no dedup bookkeeping is needed
	if err := e.sheets.UpdateMetadataResult(ctx, job.UploadID, job.SheetNumber,
		models.MetadataStatusExtracted, result.SheetName, ""); err != nil {
		return fmt.Errorf("failed to record metadata result: %w", err)
	}

	logger.Info().
		Int("sheet_number", job.SheetNumber).
		Str("sheet_name", result.SheetName).
		Float64("confidence", result.Confidence).
		Msg("Sheet metadata extracted")

	if err := e.reportComplete(ctx, job.UploadID, job.SheetNumber); err != nil {
		return err
	}
	return nil
}

// HandleDeadLetter is wired to the metadata queue's dead-letter callback: a
// job that exhausted its redeliveries is recorded as a permanent failure so
// the coordinator still counts the sheet.
func (e *MetadataExtractor) HandleDeadLetter(ctx context.Context, msg *models.QueueMessage) {
	var job models.MetadataJob
	if err := msg.DecodePayload(&job); err != nil {
		e.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Undecodable dead-lettered metadata job")
		return
	}
	logger := e.logger.WithCorrelationId(job.UploadID)
	if err := e.recordFailure(ctx, &job, logger, errors.New("metadata extraction retries exhausted")); err != nil && !queue.IsPermanent(err) {
		logger.Error().Err(err).Msg("Failed to record dead-lettered metadata job")
	}
}

func (e *MetadataExtractor) fetchPage(ctx context.Context, key string) ([]byte, error) {
	reader, err := e.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// recordFailure marks the sheet's metadata channel failed, adds the page to
// the job's failed set and still reports completion: failed is a terminal
// outcome the coordinator must count.
func (e *MetadataExtractor) recordFailure(ctx context.Context, job *models.MetadataJob, logger arbor.ILogger, cause error) error {
	logger.Error().
		Err(cause).
		Int("sheet_number", job.SheetNumber).
		Msg("Metadata extraction failed permanently")

	if err := e.sheets.UpdateMetadataResult(ctx, job.UploadID, job.SheetNumber,
		models.MetadataStatusFailed, "", cause.Error()); err != nil {
		return fmt.Errorf("failed to record metadata failure: %w", err)
	}

	if pj, err := e.jobs.GetJobByUpload(ctx, job.UploadID); err == nil {
		pj.AddFailedPage(job.SheetNumber)
		pj.LastError = cause.Error()
		if err := e.jobs.UpdateJob(ctx, pj); err != nil {
			logger.Warn().Err(err).Msg("Failed to record failed page on job")
		}
	}

	if err := e.reportComplete(ctx, job.UploadID, job.SheetNumber); err != nil {
		return err
	}
	return queue.Permanent(cause)
}

func (e *MetadataExtractor) reportComplete(ctx context.Context, uploadID string, sheetNumber int) error {
	err := e.coord.MarkSheetMetadataComplete(ctx, uploadID, sheetNumber)
	if err != nil {
		if errors.Is(err, ErrSheetOutOfRange) {
			// Invariant violation: log and ack, redelivery cannot fix it
			e.logger.Error().
				Err(err).
				Str("upload_id", uploadID).
				Msg("Completion report rejected")
			return queue.Permanent(err)
		}
		return fmt.Errorf("failed to report metadata completion: %w", err)
	}
	return nil
}
