package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/common"
	"github.com/Woody88/sitelink-sub001/internal/models"
	"github.com/Woody88/sitelink-sub001/internal/queue"
)

type splitterFixture struct {
	splitter *Splitter
	coord    *Coordinator
	uploads  *memUploads
	sheets   *memSheets
	jobs     *memJobs
	objects  *memObjects
	enqueuer *captureEnqueuer
}

func newSplitterFixture(t *testing.T) *splitterFixture {
	t.Helper()
	f := &splitterFixture{
		uploads:  newMemUploads(),
		sheets:   newMemSheets(),
		jobs:     newMemJobs(),
		objects:  newMemObjects(),
		enqueuer: &captureEnqueuer{},
	}
	logger := arbor.NewLogger()
	config := &common.PipelineConfig{SplitConcurrency: 2, MarkerBatchSize: 25}
	f.coord = NewCoordinator(newMemCoordStore(), f.uploads, f.sheets, f.enqueuer, logger)
	f.splitter = NewSplitter(f.uploads, f.sheets, f.jobs, f.objects, f.coord, f.enqueuer, config, logger)
	return f
}

func splitTrigger(t *testing.T, objectKey string) *models.QueueMessage {
	t.Helper()
	msg, err := models.NewQueueMessage("msg-1", models.MessageTypeSplit, models.SplitTrigger{
		Bucket:    "plans",
		ObjectKey: objectKey,
		EventTime: time.Now(),
	})
	require.NoError(t, err)
	return msg
}

// writePlanPDF renders a valid plan PDF with the given page count to path
func writePlanPDF(t *testing.T, path string, pages int) {
	t.Helper()
	dir := t.TempDir()

	p := model.Page{MediaBox: types.RectForFormat("A4"), Fm: model.FontMap{}, Buf: new(bytes.Buffer)}
	pdfcpu.CreateTestPageContent(p)
	xref, err := pdfcpu.CreateDemoXRef()
	require.NoError(t, err)
	rootDict, err := xref.Catalog()
	require.NoError(t, err)
	require.NoError(t, pdfcpu.AddPageTreeWithSamplePage(xref, rootDict, p))

	onePager := filepath.Join(dir, "page-1.pdf")
	require.NoError(t, api.CreatePDFFile(xref, onePager, nil))

	data, err := os.ReadFile(onePager)
	require.NoError(t, err)

	inFiles := make([]string, pages)
	inFiles[0] = onePager
	for i := 1; i < pages; i++ {
		name := filepath.Join(dir, fmt.Sprintf("page-%d.pdf", i+1))
		require.NoError(t, os.WriteFile(name, data, 0o644))
		inFiles[i] = name
	}
	require.NoError(t, api.MergeCreateFile(inFiles, path, false, nil))
}

func TestSplitterHappyPathFansOut(t *testing.T) {
	f := newSplitterFixture(t)
	ctx := context.Background()

	upload := &models.PlanUpload{
		UploadID:       "up-1",
		PlanID:         "plan-1",
		OrganizationID: "org-1",
		ProjectID:      "proj-1",
	}
	upload.StorageKey = upload.OriginalKey()
	require.NoError(t, f.uploads.SaveUpload(ctx, upload))
	require.NoError(t, f.jobs.SaveJob(ctx, &models.ProcessingJob{
		ID:       "job-1",
		UploadID: "up-1",
		Status:   models.JobStatusPending,
	}))

	planPath := filepath.Join(t.TempDir(), "plan.pdf")
	writePlanPDF(t, planPath, 7)
	data, err := os.ReadFile(planPath)
	require.NoError(t, err)
	require.NoError(t, f.objects.Put(ctx, upload.StorageKey,
		bytes.NewReader(data), int64(len(data)), "application/pdf"))

	require.NoError(t, f.splitter.Handle(ctx, splitTrigger(t, upload.StorageKey)))

	// One pending sheet row per page, keyed into the upload's prefix
	sheets, err := f.sheets.ListSheets(ctx, "up-1")
	require.NoError(t, err)
	require.Len(t, sheets, 7)
	for i, sheet := range sheets {
		assert.Equal(t, i+1, sheet.SheetNumber)
		assert.Equal(t, upload.SheetKey(i+1), sheet.StorageKey)
		assert.Equal(t, models.MetadataStatusPending, sheet.MetadataStatus)
		assert.Equal(t, models.TileStatusPending, sheet.TileStatus)
	}

	// Every one-page PDF landed in the object store
	for n := 1; n <= 7; n++ {
		size, _, err := f.objects.Stat(ctx, upload.SheetKey(n))
		require.NoError(t, err, "page %d missing from object store", n)
		assert.Positive(t, size)
	}

	state, err := f.coord.GetProgress(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, 7, state.TotalSheets)
	assert.Equal(t, models.CoordinatorStatusInProgress, state.Status)

	job, err := f.jobs.GetJobByUpload(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.Equal(t, 7, job.TotalPages)
	require.NotNil(t, job.StartedAt)

	assert.Len(t, f.enqueuer.byType(models.MessageTypeMetadata), 7)
	assert.Len(t, f.enqueuer.byType(models.MessageTypeTile), 7)

	// Redelivering the trigger after a completed split changes nothing
	require.NoError(t, f.splitter.Handle(ctx, splitTrigger(t, upload.StorageKey)))
	assert.Len(t, f.enqueuer.messages, 14)
}

func TestSplitterUnknownObjectKeyIsPermanent(t *testing.T) {
	f := newSplitterFixture(t)
	ctx := context.Background()

	err := f.splitter.Handle(ctx, splitTrigger(t, "nobody/registered/this.pdf"))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err), "unroutable triggers must not redeliver forever")
	assert.Empty(t, f.enqueuer.messages)
}

func TestSplitterSkipsCompletedUpload(t *testing.T) {
	f := newSplitterFixture(t)
	ctx := context.Background()

	upload := &models.PlanUpload{
		UploadID:   "up-1",
		PlanID:     "plan-1",
		StorageKey: "plans/original.pdf",
	}
	require.NoError(t, f.uploads.SaveUpload(ctx, upload))
	// Sheets already exist: an earlier delivery completed the split
	require.NoError(t, f.sheets.SaveSheets(ctx, []*models.Sheet{{
		ID:          "sheet-1",
		UploadID:    "up-1",
		SheetNumber: 1,
	}}))

	require.NoError(t, f.splitter.Handle(ctx, splitTrigger(t, "plans/original.pdf")))
	assert.Empty(t, f.enqueuer.messages, "redelivered trigger must not fan out again")
}

func TestSplitterCorruptPDFFailsPermanently(t *testing.T) {
	f := newSplitterFixture(t)
	ctx := context.Background()

	upload := &models.PlanUpload{
		UploadID:       "up-1",
		PlanID:         "plan-1",
		OrganizationID: "org-1",
		ProjectID:      "proj-1",
		StorageKey:     "plans/original.pdf",
	}
	require.NoError(t, f.uploads.SaveUpload(ctx, upload))
	require.NoError(t, f.jobs.SaveJob(ctx, &models.ProcessingJob{
		ID:       "job-1",
		UploadID: "up-1",
		Status:   models.JobStatusPending,
	}))
	// Not a PDF: pdfcpu cannot parse it
	require.NoError(t, f.objects.Put(ctx, "plans/original.pdf",
		bytes.NewReader([]byte("this is not a pdf")), 17, "application/pdf"))

	err := f.splitter.Handle(ctx, splitTrigger(t, "plans/original.pdf"))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))

	job, err := f.jobs.GetJobByUpload(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.NotEmpty(t, job.LastError)
	require.NotNil(t, job.CompletedAt)

	state, err := f.coord.GetProgress(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, models.CoordinatorStatusFailed, state.Status)
}

func TestSplitterMissingObjectRetries(t *testing.T) {
	f := newSplitterFixture(t)
	ctx := context.Background()

	require.NoError(t, f.uploads.SaveUpload(ctx, &models.PlanUpload{
		UploadID:   "up-1",
		StorageKey: "plans/original.pdf",
	}))

	// Upload row exists but the object has not landed yet
	err := f.splitter.Handle(ctx, splitTrigger(t, "plans/original.pdf"))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err), "object store misses are transient")
}
