package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/Woody88/sitelink-sub001/internal/common"
	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
	"github.com/Woody88/sitelink-sub001/internal/queue"
)

// Splitter is the stage 1 handler. It consumes a SplitTrigger for an original
// plan PDF, splits it into one-page PDFs, uploads the pages, creates the
// Sheet rows and fans out one MetadataJob and one TileJob per page.
//
// At-least-once safe: if Sheet rows already exist for the upload, the whole
// trigger is acked and skipped, producing zero new rows and zero new
// enqueues.
type Splitter struct {
	uploads  interfaces.UploadStorage
	sheets   interfaces.SheetStorage
	jobs     interfaces.JobStorage
	objects  interfaces.ObjectStorage
	coord    interfaces.Coordinator
	enqueuer interfaces.Enqueuer
	config   *common.PipelineConfig
	logger   arbor.ILogger
}

// NewSplitter creates the splitter stage handler
func NewSplitter(
	uploads interfaces.UploadStorage,
	sheets interfaces.SheetStorage,
	jobs interfaces.JobStorage,
	objects interfaces.ObjectStorage,
	coord interfaces.Coordinator,
	enqueuer interfaces.Enqueuer,
	config *common.PipelineConfig,
	logger arbor.ILogger,
) *Splitter {
	return &Splitter{
		uploads:  uploads,
		sheets:   sheets,
		jobs:     jobs,
		objects:  objects,
		coord:    coord,
		enqueuer: enqueuer,
		config:   config,
		logger:   logger,
	}
}

// Handle processes one SplitTrigger message
func (s *Splitter) Handle(ctx context.Context, msg *models.QueueMessage) error {
	var trigger models.SplitTrigger
	if err := msg.DecodePayload(&trigger); err != nil {
		return queue.Permanent(err)
	}

	upload, err := s.uploads.GetUploadByStorageKey(ctx, trigger.ObjectKey)
	if err != nil {
		// No upload record for this object: the trigger is unroutable
		return queue.Permanent(fmt.Errorf("failed to resolve upload for %s: %w", trigger.ObjectKey, err))
	}

	logger := s.logger.WithCorrelationId(upload.UploadID)

	// Idempotency pre-check: a redelivered trigger after a completed split
	// must not produce duplicate rows or duplicate downstream jobs
	existing, err := s.sheets.CountSheets(ctx, upload.UploadID)
	if err != nil {
		return fmt.Errorf("failed to count existing sheets: %w", err)
	}
	if existing > 0 {
		logger.Info().
			Int("existing_sheets", existing).
			Msg("Sheets already exist for upload, skipping split")
		return nil
	}

	tempDir, err := os.MkdirTemp("", "sitelink-split-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	sourcePath := filepath.Join(tempDir, "original.pdf")
	if err := s.download(ctx, upload.StorageKey, sourcePath); err != nil {
		// Object store hiccups are transient, retry via redelivery
		return fmt.Errorf("failed to download original PDF: %w", err)
	}

	pageCount, err := s.split(sourcePath, tempDir)
	if err != nil {
		// An unparseable PDF never improves on retry
		return s.failPermanently(ctx, upload, logger, fmt.Errorf("failed to split PDF: %w", err))
	}

	logger.Info().Int("page_count", pageCount).Msg("Plan PDF split into pages")

	if err := s.uploadPages(ctx, upload, tempDir, pageCount); err != nil {
		return fmt.Errorf("failed to upload page PDFs: %w", err)
	}

	sheets := make([]*models.Sheet, 0, pageCount)
	now := time.Now()
	for n := 1; n <= pageCount; n++ {
		sheets = append(sheets, &models.Sheet{
			ID:             common.NewSheetID(),
			UploadID:       upload.UploadID,
			PlanID:         upload.PlanID,
			SheetNumber:    n,
			StorageKey:     upload.SheetKey(n),
			MetadataStatus: models.MetadataStatusPending,
			TileStatus:     models.TileStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	if err := s.sheets.SaveSheets(ctx, sheets); err != nil {
		return fmt.Errorf("failed to save sheet rows: %w", err)
	}

	if err := s.coord.Initialize(ctx, upload.UploadID, pageCount); err != nil {
		return fmt.Errorf("failed to initialize coordinator: %w", err)
	}

	if err := s.markJobProcessing(ctx, upload.UploadID, pageCount); err != nil {
		return fmt.Errorf("failed to update processing job: %w", err)
	}

	if err := s.fanOut(ctx, upload, sheets); err != nil {
		return fmt.Errorf("failed to enqueue stage jobs: %w", err)
	}

	logger.Info().
		Int("page_count", pageCount).
		Msg("Split complete, per-sheet jobs enqueued")
	return nil
}

func (s *Splitter) download(ctx context.Context, key, destPath string) error {
	reader, err := s.objects.Get(ctx, key)
	if err != nil {
		return err
	}
	defer reader.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, reader); err != nil {
		return fmt.Errorf("failed to write %s: %w", destPath, err)
	}
	return nil
}

// split validates, optimizes and splits the PDF into one-page files named
// optimized_{n}.pdf in outDir. Returns the page count.
func (s *Splitter) split(sourcePath, outDir string) (int, error) {
	optimizedPath := filepath.Join(outDir, "optimized.pdf")

	// Construction plan PDFs come from a zoo of CAD exporters; relaxed
	// validation accepts the mildly malformed ones
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	if err := api.OptimizeFile(sourcePath, optimizedPath, cfg); err != nil {
		return 0, fmt.Errorf("failed to validate PDF: %w", err)
	}

	pageCount, err := api.PageCountFile(optimizedPath)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if pageCount < 1 {
		return 0, fmt.Errorf("PDF has no pages")
	}

	if err := api.SplitFile(optimizedPath, outDir, 1, nil); err != nil {
		return 0, fmt.Errorf("failed to split: %w", err)
	}

	return pageCount, nil
}

// uploadPages uploads the split one-page PDFs concurrently, bounded by the
// configured concurrency
func (s *Splitter) uploadPages(ctx context.Context, upload *models.PlanUpload, tempDir string, pageCount int) error {
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.config.SplitConcurrency)

	for n := 1; n <= pageCount; n++ {
		pageNumber := n
		localPath := filepath.Join(tempDir, fmt.Sprintf("optimized_%d.pdf", pageNumber))
		destKey := upload.SheetKey(pageNumber)

		eg.Go(func() error {
			file, err := os.Open(localPath)
			if err != nil {
				return fmt.Errorf("page %d: %w", pageNumber, err)
			}
			defer file.Close()

			info, err := file.Stat()
			if err != nil {
				return fmt.Errorf("page %d: %w", pageNumber, err)
			}

			if err := s.objects.Put(gctx, destKey, file, info.Size(), "application/pdf"); err != nil {
				return fmt.Errorf("page %d: %w", pageNumber, err)
			}
			return nil
		})
	}

	return eg.Wait()
}

func (s *Splitter) markJobProcessing(ctx context.Context, uploadID string, pageCount int) error {
	job, err := s.jobs.GetJobByUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	now := time.Now()
	job.Status = models.JobStatusProcessing
	job.TotalPages = pageCount
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.RecalculateProgress()
	return s.jobs.UpdateJob(ctx, job)
}

// fanOut enqueues one MetadataJob and one TileJob per sheet
func (s *Splitter) fanOut(ctx context.Context, upload *models.PlanUpload, sheets []*models.Sheet) error {
	total := len(sheets)
	for _, sheet := range sheets {
		metaMsg, err := models.NewQueueMessage(common.NewJobID(), models.MessageTypeMetadata, models.MetadataJob{
			UploadID:    upload.UploadID,
			PlanID:      upload.PlanID,
			SheetID:     sheet.ID,
			SheetNumber: sheet.SheetNumber,
			SheetKey:    sheet.StorageKey,
			TotalSheets: total,
		})
		if err != nil {
			return err
		}
		if err := s.enqueuer.Enqueue(ctx, metaMsg); err != nil {
			return err
		}

		tileMsg, err := models.NewQueueMessage(common.NewJobID(), models.MessageTypeTile, models.TileJob{
			UploadID:       upload.UploadID,
			ProjectID:      upload.ProjectID,
			PlanID:         upload.PlanID,
			OrganizationID: upload.OrganizationID,
			SheetNumber:    sheet.SheetNumber,
			SheetKey:       sheet.StorageKey,
			TotalSheets:    total,
		})
		if err != nil {
			return err
		}
		if err := s.enqueuer.Enqueue(ctx, tileMsg); err != nil {
			return err
		}
	}
	return nil
}

// failPermanently records a split failure on the job and the coordinator,
// then acks the trigger
func (s *Splitter) failPermanently(ctx context.Context, upload *models.PlanUpload, logger arbor.ILogger, cause error) error {
	logger.Error().Err(cause).Msg("Split failed permanently")

	if job, err := s.jobs.GetJobByUpload(ctx, upload.UploadID); err == nil {
		now := time.Now()
		job.Status = models.JobStatusFailed
		job.LastError = cause.Error()
		job.CompletedAt = &now
		if err := s.jobs.UpdateJob(ctx, job); err != nil {
			logger.Warn().Err(err).Msg("Failed to record job failure")
		}
	} else {
		logger.Warn().Err(err).Msg("No processing job found for failed upload")
	}

	if err := s.coord.MarkFailed(ctx, upload.UploadID, cause.Error()); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark coordinator failed")
	}

	return queue.Permanent(cause)
}
