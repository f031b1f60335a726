package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddFailedPage(t *testing.T) {
	job := &ProcessingJob{}

	job.AddFailedPage(7)
	job.AddFailedPage(3)
	job.AddFailedPage(7) // duplicate under redelivery
	job.AddFailedPage(5)

	assert.Equal(t, []int{3, 5, 7}, job.FailedPages, "sorted and duplicate-free")
}

func TestRecalculateProgress(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		completed int
		want      int
	}{
		{"zero pages", 0, 0, 0},
		{"nothing done", 10, 0, 0},
		{"all done", 10, 10, 100},
		{"rounds up", 3, 2, 67},
		{"rounds down", 3, 1, 33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &ProcessingJob{TotalPages: tt.total, CompletedPages: tt.completed}
			job.RecalculateProgress()
			assert.Equal(t, tt.want, job.Progress)
		})
	}
}

func TestJobTerminal(t *testing.T) {
	terminal := []string{JobStatusComplete, JobStatusPartialFailure, JobStatusFailed}
	for _, status := range terminal {
		assert.True(t, (&ProcessingJob{Status: status}).Terminal(), status)
	}

	active := []string{JobStatusPending, JobStatusProcessing}
	for _, status := range active {
		assert.False(t, (&ProcessingJob{Status: status}).Terminal(), status)
	}
}
