package pipeline

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/common"
	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
)

// Scheduler runs the periodic reconciler: re-derives rollups for in-flight
// uploads and, when enabled, re-enqueues marker detection for uploads whose
// sheets reached extracted after the first marker run.
type Scheduler struct {
	rollup   *Rollup
	jobs     interfaces.JobStorage
	sheets   interfaces.SheetStorage
	markers  interfaces.MarkerStorage
	enqueuer interfaces.Enqueuer
	uploads  interfaces.UploadStorage
	config   *common.PipelineConfig
	cron     *cron.Cron
	logger   arbor.ILogger
}

// NewScheduler creates the reconciliation scheduler
func NewScheduler(
	rollup *Rollup,
	jobs interfaces.JobStorage,
	sheets interfaces.SheetStorage,
	markers interfaces.MarkerStorage,
	enqueuer interfaces.Enqueuer,
	uploads interfaces.UploadStorage,
	config *common.PipelineConfig,
	logger arbor.ILogger,
) *Scheduler {
	return &Scheduler{
		rollup:   rollup,
		jobs:     jobs,
		sheets:   sheets,
		markers:  markers,
		enqueuer: enqueuer,
		uploads:  uploads,
		config:   config,
		cron:     cron.New(cron.WithSeconds()),
		logger:   logger,
	}
}

// Start begins the scheduled reconciliation
func (s *Scheduler) Start(schedule string) error {
	if schedule == "" {
		// Default: every minute
		schedule = "0 * * * * *"
	}

	_, err := s.cron.AddFunc(schedule, func() {
		s.runReconciliation()
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().
		Str("schedule", schedule).
		Msg("Pipeline reconciler started")
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info().Msg("Pipeline reconciler stopped")
}

// RunNow triggers an immediate reconciliation run
func (s *Scheduler) RunNow() {
	go s.runReconciliation()
}

func (s *Scheduler) runReconciliation() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	reconciled, err := s.rollup.RecomputeAll(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Reconciliation run failed")
		return
	}

	if s.config.RedetectStragglers {
		s.redetectStragglers(ctx)
	}

	s.logger.Debug().
		Int("reconciled", reconciled).
		Dur("duration", time.Since(start)).
		Msg("Reconciliation run completed")
}

// redetectStragglers re-enqueues marker detection for active uploads where a
// sheet reached extracted after the first marker run. The detect stage's
// delete-then-insert keeps the re-run duplicate-free.
func (s *Scheduler) redetectStragglers(ctx context.Context) {
	jobs, err := s.jobs.ListActiveJobs(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list jobs for straggler redetection")
		return
	}

	for _, job := range jobs {
		sheets, err := s.sheets.ListSheets(ctx, job.UploadID)
		if err != nil {
			continue
		}

		markers, err := s.markers.ListMarkers(ctx, job.UploadID)
		if err != nil || len(markers) == 0 {
			continue // first run has not happened yet
		}

		// Sheets whose metadata channel wrote after the newest marker are
		// stragglers. MetadataAt, not UpdatedAt: tile results landing after
		// the marker run must not trigger a re-detection.
		var latest time.Time
		for _, m := range markers {
			if m.CreatedAt.After(latest) {
				latest = m.CreatedAt
			}
		}

		straggler := false
		var names []string
		for _, sheet := range sheets {
			if sheet.MetadataStatus != models.MetadataStatusExtracted {
				continue
			}
			if sheet.SheetName != "" {
				names = append(names, sheet.SheetName)
			}
			if sheet.MetadataAt.After(latest) {
				straggler = true
			}
		}
		if !straggler {
			continue
		}

		upload, err := s.uploads.GetUpload(ctx, job.UploadID)
		if err != nil {
			continue
		}

		msg, err := models.NewQueueMessage(common.NewJobID(), models.MessageTypeMarker, models.MarkerJob{
			UploadID:        upload.UploadID,
			PlanID:          upload.PlanID,
			OrganizationID:  upload.OrganizationID,
			ProjectID:       upload.ProjectID,
			ValidSheetNames: names,
		})
		if err != nil {
			continue
		}
		if err := s.enqueuer.Enqueue(ctx, msg); err != nil {
			s.logger.Warn().
				Err(err).
				Str("upload_id", job.UploadID).
				Msg("Failed to re-enqueue marker detection")
			continue
		}

		s.logger.Info().
			Str("upload_id", job.UploadID).
			Msg("Marker detection re-enqueued for straggler sheets")
	}
}
