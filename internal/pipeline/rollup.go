package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
)

// Rollup derives the external-facing ProcessingJob record from coordinator
// and sheet state. It runs after every completion report (via the
// coordinator's change hook) and from the cron reconciler; recomputing from
// scratch each time keeps the projection correct under any interleaving of
// redelivered events.
type Rollup struct {
	jobs   interfaces.JobStorage
	sheets interfaces.SheetStorage
	coord  interfaces.Coordinator
	logger arbor.ILogger
}

// NewRollup creates the rollup service
func NewRollup(
	jobs interfaces.JobStorage,
	sheets interfaces.SheetStorage,
	coord interfaces.Coordinator,
	logger arbor.ILogger,
) *Rollup {
	return &Rollup{
		jobs:   jobs,
		sheets: sheets,
		coord:  coord,
		logger: logger,
	}
}

// Recompute re-derives status, counters and progress for one upload's job
func (r *Rollup) Recompute(ctx context.Context, uploadID string) error {
	job, err := r.jobs.GetJobByUpload(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("failed to resolve job: %w", err)
	}
	if job.Status == models.JobStatusFailed {
		// Split failure is final, nothing downstream can revive the upload
		return nil
	}

	state, err := r.coord.GetProgress(ctx, uploadID)
	if err != nil {
		if errors.Is(err, ErrNotInitialized) {
			return nil // split has not run yet
		}
		return fmt.Errorf("failed to read coordinator state: %w", err)
	}

	// The transition-time marker enqueue can fail on a queue hiccup. The
	// rollup runs after every mutation and from the reconciler, so this is
	// where the lost enqueue gets retried.
	if !state.MarkersEnqueued &&
		(state.Status == models.CoordinatorStatusMetadataComplete || state.Status == models.CoordinatorStatusComplete) {
		if err := r.coord.EnsureMarkersEnqueued(ctx, uploadID); err != nil {
			r.logger.Warn().
				Err(err).
				Str("upload_id", uploadID).
				Msg("Marker detection enqueue retry failed")
		}
	}

	sheets, err := r.sheets.ListSheets(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("failed to list sheets: %w", err)
	}

	// A page counts completed when both channels succeeded for it; any
	// channel failure puts it in the failed set
	completed := 0
	for _, sheet := range sheets {
		switch {
		case sheet.Succeeded():
			completed++
		case sheet.MetadataStatus == models.MetadataStatusFailed || sheet.TileStatus == models.TileStatusFailed:
			job.AddFailedPage(sheet.SheetNumber)
		}
	}

	job.TotalPages = state.TotalSheets
	job.CompletedPages = completed
	job.RecalculateProgress()

	previous := job.Status
	job.Status = deriveStatus(state, job, completed)

	if job.Terminal() && job.CompletedAt == nil {
		now := time.Now()
		job.CompletedAt = &now
	}

	if err := r.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to save job rollup: %w", err)
	}

	if job.Status != previous {
		r.logger.Info().
			Str("upload_id", uploadID).
			Str("status", job.Status).
			Int("progress", job.Progress).
			Int("failed_pages", len(job.FailedPages)).
			Msg("Processing job status changed")
	}
	return nil
}

// RecomputeAll reconciles every non-terminal job, used by the scheduler to
// repair rollups that missed a completion report (crash between state write
// and hook).
func (r *Rollup) RecomputeAll(ctx context.Context) (int, error) {
	jobs, err := r.jobs.ListActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active jobs: %w", err)
	}

	reconciled := 0
	for _, job := range jobs {
		if err := r.Recompute(ctx, job.UploadID); err != nil {
			r.logger.Warn().
				Err(err).
				Str("upload_id", job.UploadID).
				Msg("Failed to reconcile job")
			continue
		}
		reconciled++
	}
	return reconciled, nil
}

// deriveStatus maps coordinator and page outcomes onto the job status:
// complete when every page succeeded both channels, failed when the upload
// died before producing pages or every page failed, partial_failure when the
// pipeline finished with some failed pages, processing otherwise.
func deriveStatus(state *models.CoordinatorState, job *models.ProcessingJob, completed int) string {
	if state.Status == models.CoordinatorStatusFailed {
		return models.JobStatusFailed
	}
	if state.Status != models.CoordinatorStatusComplete {
		return models.JobStatusProcessing
	}

	switch {
	case len(job.FailedPages) == 0:
		return models.JobStatusComplete
	case completed == 0:
		return models.JobStatusFailed
	default:
		return models.JobStatusPartialFailure
	}
}
