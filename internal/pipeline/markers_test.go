package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/common"
	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
)

func TestSplitMarkerText(t *testing.T) {
	tests := []struct {
		text      string
		detail    string
		targetRef string
	}{
		{"3/A7", "3", "A7"},
		{" 12 / A-101 ", "12", "A-101"},
		{"A7", "", "A7"},
		{"", "", ""},
	}
	for _, tt := range tests {
		detail, targetRef := splitMarkerText(tt.text)
		assert.Equal(t, tt.detail, detail, "detail of %q", tt.text)
		assert.Equal(t, tt.targetRef, targetRef, "target of %q", tt.text)
	}
}

func TestSheetResolver(t *testing.T) {
	resolver := newSheetResolver([]string{"A7", "A-101", "S2.1"})

	// Exact match, no fuzzy flag
	name, fuzzy := resolver.resolve("A7")
	assert.Equal(t, "A7", name)
	assert.False(t, fuzzy)

	// Separator variants normalize onto the same form
	name, fuzzy = resolver.resolve("A-7")
	assert.Equal(t, "A7", name)
	assert.True(t, fuzzy)

	name, fuzzy = resolver.resolve("a101")
	assert.Equal(t, "A-101", name)
	assert.True(t, fuzzy)

	// Single misread character is within edit distance 1
	name, fuzzy = resolver.resolve("S2.7")
	assert.Equal(t, "S2.1", name)
	assert.True(t, fuzzy)

	// Nothing close enough
	name, fuzzy = resolver.resolve("Z9")
	assert.Empty(t, name)
	assert.False(t, fuzzy)

	name, fuzzy = resolver.resolve("")
	assert.Empty(t, name)
	assert.False(t, fuzzy)
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("A7", "A7"))
	assert.Equal(t, 1, levenshtein("A7", "A8"))
	assert.Equal(t, 1, levenshtein("A7", "A71"))
	assert.Equal(t, 2, levenshtein("A7", "B8"))
	assert.Equal(t, 2, levenshtein("", "A7"))
}

type markerFixture struct {
	detector *MarkerDetector
	sheets   *memSheets
	markers  *memMarkers
	jobs     *memJobs
	objects  *memObjects
}

func newMarkerFixture(t *testing.T, service interfaces.MarkerService) *markerFixture {
	t.Helper()
	f := &markerFixture{
		sheets:  newMemSheets(),
		markers: newMemMarkers(),
		jobs:    newMemJobs(),
		objects: newMemObjects(),
	}
	config := &common.PipelineConfig{
		ConfidenceThreshold: 0.7,
		MarkerBatchSize:     2, // small batch to exercise flushing
	}
	f.detector = NewMarkerDetector(f.sheets, f.markers, f.jobs, f.objects, service, config, arbor.NewLogger())
	return f
}

func (f *markerFixture) seedSheets(t *testing.T, uploadID string, names ...string) {
	t.Helper()
	ctx := context.Background()
	sheets := make([]*models.Sheet, 0, len(names))
	for i, name := range names {
		key := fmt.Sprintf("sheets/%d.pdf", i+1)
		status := models.MetadataStatusExtracted
		if name == "" {
			status = models.MetadataStatusFailed
		}
		sheets = append(sheets, &models.Sheet{
			ID:             fmt.Sprintf("sheet-%d", i+1),
			UploadID:       uploadID,
			SheetNumber:    i + 1,
			StorageKey:     key,
			SheetName:      name,
			MetadataStatus: status,
		})
		require.NoError(t, f.objects.Put(ctx, key, bytes.NewReader([]byte("%PDF-1.7")), 8, "application/pdf"))
	}
	require.NoError(t, f.sheets.SaveSheets(ctx, sheets))
	require.NoError(t, f.jobs.SaveJob(ctx, &models.ProcessingJob{
		ID:       "job-1",
		UploadID: uploadID,
		Status:   models.JobStatusProcessing,
	}))
}

func markerMsg(t *testing.T, uploadID string, vocabulary []string) *models.QueueMessage {
	t.Helper()
	msg, err := models.NewQueueMessage("msg-1", models.MessageTypeMarker, models.MarkerJob{
		UploadID:        uploadID,
		PlanID:          "plan-1",
		ValidSheetNames: vocabulary,
	})
	require.NoError(t, err)
	return msg
}

func TestMarkerDetectorHandle(t *testing.T) {
	service := &stubMarkerService{fn: func(sheetNumber int, vocabulary []string) (*interfaces.MarkerDetectionResult, error) {
		if sheetNumber != 1 {
			return &interfaces.MarkerDetectionResult{}, nil
		}
		return &interfaces.MarkerDetectionResult{Markers: []interfaces.DetectedMarker{
			{Text: "3/A7", Confidence: 0.95, BBox: &models.BBox{X: 0.1, Y: 0.2, Width: 0.05, Height: 0.05}},
			{Text: "A-2", Confidence: 0.9},  // fuzzy, no bbox
			{Text: "Z9", Confidence: 0.95},  // unresolved
			{Text: "A7", Confidence: 0.4},   // low confidence
		}}, nil
	}}
	f := newMarkerFixture(t, service)
	f.seedSheets(t, "up-1", "A1", "A2", "A7")
	ctx := context.Background()

	require.NoError(t, f.detector.Handle(ctx, markerMsg(t, "up-1", []string{"A1", "A2", "A7"})))

	markers, err := f.markers.ListMarkers(ctx, "up-1")
	require.NoError(t, err)
	require.Len(t, markers, 4)

	byText := make(map[string]*models.Marker)
	for _, m := range markers {
		byText[m.MarkerText] = m
	}

	callout := byText["3/A7"]
	require.NotNil(t, callout)
	assert.Equal(t, "detail_callout", callout.MarkerType)
	assert.Equal(t, "3", callout.Detail)
	assert.Equal(t, "A7", callout.TargetSheetRef)
	assert.True(t, callout.IsValid)
	assert.False(t, callout.FuzzyMatched)
	assert.Equal(t, models.ReviewStatusConfirmed, callout.ReviewStatus)
	assert.Equal(t, models.BBox{X: 0.1, Y: 0.2, Width: 0.05, Height: 0.05}, callout.BBox)

	fuzzyRef := byText["A-2"]
	require.NotNil(t, fuzzyRef)
	assert.Equal(t, "sheet_reference", fuzzyRef.MarkerType)
	assert.Equal(t, "A2", fuzzyRef.TargetSheetRef, "resolved to canonical name")
	assert.True(t, fuzzyRef.IsValid)
	assert.True(t, fuzzyRef.FuzzyMatched)
	assert.Equal(t, models.CenterBBox(), fuzzyRef.BBox, "missing bbox defaults to sheet center")

	unresolved := byText["Z9"]
	require.NotNil(t, unresolved)
	assert.False(t, unresolved.IsValid)
	assert.Equal(t, models.ReviewStatusPending, unresolved.ReviewStatus)

	lowConfidence := byText["A7"]
	require.NotNil(t, lowConfidence)
	assert.True(t, lowConfidence.IsValid)
	assert.Equal(t, models.ReviewStatusPending, lowConfidence.ReviewStatus, "low confidence gates into review")
}

func TestMarkerDetectorRerunIsDuplicateFree(t *testing.T) {
	service := &stubMarkerService{fn: func(sheetNumber int, vocabulary []string) (*interfaces.MarkerDetectionResult, error) {
		return &interfaces.MarkerDetectionResult{Markers: []interfaces.DetectedMarker{
			{Text: "A2", Confidence: 0.9},
		}}, nil
	}}
	f := newMarkerFixture(t, service)
	f.seedSheets(t, "up-1", "A1", "A2")
	ctx := context.Background()
	msg := markerMsg(t, "up-1", []string{"A1", "A2"})

	require.NoError(t, f.detector.Handle(ctx, msg))
	require.NoError(t, f.detector.Handle(ctx, msg))

	markers, err := f.markers.ListMarkers(ctx, "up-1")
	require.NoError(t, err)
	assert.Len(t, markers, 2, "one marker per extracted sheet, re-run replaced not appended")
}

func TestMarkerDetectorSkipsFailedSheets(t *testing.T) {
	var calledSheets []int
	service := &stubMarkerService{fn: func(sheetNumber int, vocabulary []string) (*interfaces.MarkerDetectionResult, error) {
		calledSheets = append(calledSheets, sheetNumber)
		return &interfaces.MarkerDetectionResult{}, nil
	}}
	f := newMarkerFixture(t, service)
	// Sheet 2 failed metadata extraction
	f.seedSheets(t, "up-1", "A1", "", "A3")
	ctx := context.Background()

	require.NoError(t, f.detector.Handle(ctx, markerMsg(t, "up-1", []string{"A1", "A3"})))
	assert.Equal(t, []int{1, 3}, calledSheets)
}

func TestMarkerDetectorSheetFailureDoesNotSinkUpload(t *testing.T) {
	service := &stubMarkerService{fn: func(sheetNumber int, vocabulary []string) (*interfaces.MarkerDetectionResult, error) {
		if sheetNumber == 1 {
			return nil, errors.New("detection crashed")
		}
		return &interfaces.MarkerDetectionResult{Markers: []interfaces.DetectedMarker{
			{Text: "A1", Confidence: 0.9},
		}}, nil
	}}
	f := newMarkerFixture(t, service)
	f.seedSheets(t, "up-1", "A1", "A2")
	ctx := context.Background()

	require.NoError(t, f.detector.Handle(ctx, markerMsg(t, "up-1", []string{"A1", "A2"})))

	markers, err := f.markers.ListMarkers(ctx, "up-1")
	require.NoError(t, err)
	assert.Len(t, markers, 1, "sheet 2's markers still land")

	job, err := f.jobs.GetJobByUpload(ctx, "up-1")
	require.NoError(t, err)
	assert.NotEmpty(t, job.LastError)
}
