package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
)

// JobStorage implements interfaces.JobStorage on Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.ProcessingJob) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save processing job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	var job models.ProcessingJob
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("processing job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get processing job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) GetJobByUpload(ctx context.Context, uploadID string) (*models.ProcessingJob, error) {
	var jobs []models.ProcessingJob
	query := badgerhold.Where("UploadID").Eq(uploadID).Limit(1)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query processing job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("processing job not found for upload %s", uploadID)
	}
	return &jobs[0], nil
}

// ListActiveJobs returns jobs that have not reached a terminal status. The
// scheduler uses this set to re-derive rollups for in-flight uploads.
func (s *JobStorage) ListActiveJobs(ctx context.Context) ([]*models.ProcessingJob, error) {
	var jobs []models.ProcessingJob
	query := badgerhold.Where("Status").In(models.JobStatusPending, models.JobStatusProcessing).SortBy("CreatedAt")
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	result := make([]*models.ProcessingJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) UpdateJob(ctx context.Context, job *models.ProcessingJob) error {
	return s.SaveJob(ctx, job)
}
