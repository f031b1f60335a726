package models

import (
	"math"
	"sort"
	"time"
)

// ProcessingJob status values
const (
	JobStatusPending        = "pending"
	JobStatusProcessing     = "processing"
	JobStatusComplete       = "complete"
	JobStatusPartialFailure = "partial_failure"
	JobStatusFailed         = "failed"
)

// ProcessingJob is the durable, queryable projection of a single upload's
// end-to-end progress. Status and counters are derived from coordinator and
// sheet state; updates are idempotent so redelivered completion events never
// double-count a page.
type ProcessingJob struct {
	ID             string     `json:"id" badgerhold:"key"`
	UploadID       string     `json:"upload_id" badgerhold:"index"`
	PlanID         string     `json:"plan_id"`
	OrganizationID string     `json:"organization_id"`
	ProjectID      string     `json:"project_id"`
	SourceKey      string     `json:"source_key"` // Object store key of the original PDF
	Status         string     `json:"status"`
	TotalPages     int        `json:"total_pages"`
	CompletedPages int        `json:"completed_pages"`
	FailedPages    []int      `json:"failed_pages"` // Sorted page numbers, canonical representation
	Progress       int        `json:"progress"`     // 0-100
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"` // Most recent stage error, overwritten not appended
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AddFailedPage records a permanently failed page. Idempotent: re-adding the
// same page under redelivery is a no-op, and the list stays sorted.
func (j *ProcessingJob) AddFailedPage(page int) {
	for _, p := range j.FailedPages {
		if p == page {
			return
		}
	}
	j.FailedPages = append(j.FailedPages, page)
	sort.Ints(j.FailedPages)
}

// RecalculateProgress derives the 0-100 progress figure from page counters.
func (j *ProcessingJob) RecalculateProgress() {
	if j.TotalPages <= 0 {
		j.Progress = 0
		return
	}
	j.Progress = int(math.Round(float64(j.CompletedPages) / float64(j.TotalPages) * 100))
}

// Terminal reports whether the job reached a final status.
func (j *ProcessingJob) Terminal() bool {
	switch j.Status {
	case JobStatusComplete, JobStatusPartialFailure, JobStatusFailed:
		return true
	}
	return false
}
