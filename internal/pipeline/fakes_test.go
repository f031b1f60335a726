package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
)

// In-memory test doubles for the storage and queue interfaces.

type memCoordStore struct {
	mu     sync.Mutex
	states map[string]*models.CoordinatorState
	saves  int
}

func newMemCoordStore() *memCoordStore {
	return &memCoordStore{states: make(map[string]*models.CoordinatorState)}
}

func (s *memCoordStore) SaveState(ctx context.Context, state *models.CoordinatorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.states[state.UploadID] = copyState(state)
	return nil
}

func (s *memCoordStore) GetState(ctx context.Context, uploadID string) (*models.CoordinatorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[uploadID]
	if !ok {
		return nil, interfaces.ErrStateNotFound
	}
	return copyState(state), nil
}

type memUploads struct {
	mu      sync.Mutex
	uploads map[string]*models.PlanUpload
}

func newMemUploads() *memUploads {
	return &memUploads{uploads: make(map[string]*models.PlanUpload)}
}

func (s *memUploads) SaveUpload(ctx context.Context, upload *models.PlanUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *upload
	s.uploads[upload.UploadID] = &cp
	return nil
}

func (s *memUploads) GetUpload(ctx context.Context, uploadID string) (*models.PlanUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	upload, ok := s.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("upload not found: %s", uploadID)
	}
	cp := *upload
	return &cp, nil
}

func (s *memUploads) GetUploadByStorageKey(ctx context.Context, storageKey string) (*models.PlanUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, upload := range s.uploads {
		if upload.StorageKey == storageKey {
			cp := *upload
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("upload not found for key %s", storageKey)
}

func (s *memUploads) DeactivateOlderUploads(ctx context.Context, planID, activeUploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, upload := range s.uploads {
		if upload.PlanID == planID && upload.UploadID != activeUploadID {
			upload.IsActive = false
		}
	}
	return nil
}

type memSheets struct {
	mu     sync.Mutex
	sheets map[string]*models.Sheet // by ID
}

func newMemSheets() *memSheets {
	return &memSheets{sheets: make(map[string]*models.Sheet)}
}

func (s *memSheets) SaveSheets(ctx context.Context, sheets []*models.Sheet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sheet := range sheets {
		cp := *sheet
		s.sheets[sheet.ID] = &cp
	}
	return nil
}

func (s *memSheets) GetSheet(ctx context.Context, sheetID string) (*models.Sheet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sheet, ok := s.sheets[sheetID]
	if !ok {
		return nil, fmt.Errorf("sheet not found: %s", sheetID)
	}
	cp := *sheet
	return &cp, nil
}

func (s *memSheets) GetSheetByNumber(ctx context.Context, uploadID string, sheetNumber int) (*models.Sheet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sheet := range s.sheets {
		if sheet.UploadID == uploadID && sheet.SheetNumber == sheetNumber {
			cp := *sheet
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("sheet %d not found for upload %s", sheetNumber, uploadID)
}

func (s *memSheets) ListSheets(ctx context.Context, uploadID string) ([]*models.Sheet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*models.Sheet
	for _, sheet := range s.sheets {
		if sheet.UploadID == uploadID {
			cp := *sheet
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SheetNumber < result[j].SheetNumber })
	return result, nil
}

func (s *memSheets) CountSheets(ctx context.Context, uploadID string) (int, error) {
	sheets, _ := s.ListSheets(ctx, uploadID)
	return len(sheets), nil
}

func (s *memSheets) UpdateMetadataResult(ctx context.Context, uploadID string, sheetNumber int, status, sheetName, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sheet := range s.sheets {
		if sheet.UploadID == uploadID && sheet.SheetNumber == sheetNumber {
			now := time.Now()
			sheet.MetadataStatus = status
			sheet.SheetName = sheetName
			sheet.ErrorMessage = errorMessage
			sheet.MetadataAt = now
			sheet.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("sheet %d not found for upload %s", sheetNumber, uploadID)
}

func (s *memSheets) UpdateTileResult(ctx context.Context, uploadID string, sheetNumber int, status string, tileCount int, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sheet := range s.sheets {
		if sheet.UploadID == uploadID && sheet.SheetNumber == sheetNumber {
			sheet.TileStatus = status
			sheet.TileCount = tileCount
			sheet.ErrorMessage = errorMessage
			sheet.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("sheet %d not found for upload %s", sheetNumber, uploadID)
}

type memMarkers struct {
	mu      sync.Mutex
	markers map[string]*models.Marker
}

func newMemMarkers() *memMarkers {
	return &memMarkers{markers: make(map[string]*models.Marker)}
}

func (s *memMarkers) SaveMarkers(ctx context.Context, markers []*models.Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range markers {
		cp := *m
		s.markers[m.ID] = &cp
	}
	return nil
}

func (s *memMarkers) GetMarker(ctx context.Context, markerID string) (*models.Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[markerID]
	if !ok {
		return nil, fmt.Errorf("marker not found: %s", markerID)
	}
	cp := *m
	return &cp, nil
}

func (s *memMarkers) ListMarkers(ctx context.Context, uploadID string) ([]*models.Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*models.Marker
	for _, m := range s.markers {
		if m.UploadID == uploadID {
			cp := *m
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *memMarkers) ListMarkersByReviewStatus(ctx context.Context, uploadID, reviewStatus string) ([]*models.Marker, error) {
	all, _ := s.ListMarkers(ctx, uploadID)
	var result []*models.Marker
	for _, m := range all {
		if m.ReviewStatus == reviewStatus {
			result = append(result, m)
		}
	}
	return result, nil
}

func (s *memMarkers) DeleteMarkers(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.markers {
		if m.UploadID == uploadID {
			delete(s.markers, id)
		}
	}
	return nil
}

func (s *memMarkers) UpdateReview(ctx context.Context, markerID, reviewStatus string, adjustedBBox *models.BBox, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[markerID]
	if !ok {
		return fmt.Errorf("marker not found: %s", markerID)
	}
	m.ReviewStatus = reviewStatus
	m.AdjustedBBox = adjustedBBox
	m.ReviewNotes = notes
	return nil
}

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*models.ProcessingJob
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]*models.ProcessingJob)}
}

func (s *memJobs) SaveJob(ctx context.Context, job *models.ProcessingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	cp.FailedPages = append([]int(nil), job.FailedPages...)
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memJobs) GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("processing job not found: %s", jobID)
	}
	return copyJob(job), nil
}

func (s *memJobs) GetJobByUpload(ctx context.Context, uploadID string) (*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.UploadID == uploadID {
			return copyJob(job), nil
		}
	}
	return nil, fmt.Errorf("processing job not found for upload %s", uploadID)
}

func (s *memJobs) ListActiveJobs(ctx context.Context) ([]*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*models.ProcessingJob
	for _, job := range s.jobs {
		if job.Status == models.JobStatusPending || job.Status == models.JobStatusProcessing {
			result = append(result, copyJob(job))
		}
	}
	return result, nil
}

func (s *memJobs) UpdateJob(ctx context.Context, job *models.ProcessingJob) error {
	return s.SaveJob(ctx, job)
}

func copyJob(job *models.ProcessingJob) *models.ProcessingJob {
	cp := *job
	cp.FailedPages = append([]int(nil), job.FailedPages...)
	return &cp
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (s *memObjects) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *memObjects) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memObjects) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memObjects) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memObjects) Stat(ctx context.Context, key string) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("object not found: %s", key)
	}
	return int64(len(data)), time.Now(), nil
}

type captureEnqueuer struct {
	mu       sync.Mutex
	failWith error
	messages []*models.QueueMessage
}

func (e *captureEnqueuer) Enqueue(ctx context.Context, msg *models.QueueMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failWith != nil {
		return e.failWith
	}
	e.messages = append(e.messages, msg)
	return nil
}

// setFailure makes every Enqueue fail with err until cleared with nil
func (e *captureEnqueuer) setFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failWith = err
}

func (e *captureEnqueuer) byType(msgType string) []*models.QueueMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	var result []*models.QueueMessage
	for _, m := range e.messages {
		if m.Type == msgType {
			result = append(result, m)
		}
	}
	return result
}

type stubMetadataService struct {
	fn func(pdf []byte) (*interfaces.SheetMetadataResult, error)
}

func (s *stubMetadataService) ExtractMetadata(ctx context.Context, pdf []byte) (*interfaces.SheetMetadataResult, error) {
	return s.fn(pdf)
}

type stubMarkerService struct {
	fn func(sheetNumber int, validSheetNames []string) (*interfaces.MarkerDetectionResult, error)
}

func (s *stubMarkerService) DetectMarkers(ctx context.Context, pdf []byte, validSheetNames []string, sheetNumber int) (*interfaces.MarkerDetectionResult, error) {
	return s.fn(sheetNumber, validSheetNames)
}

type stubTileService struct {
	fn func(pdf []byte) (*interfaces.TileRenderResult, error)
}

func (s *stubTileService) RenderTiles(ctx context.Context, pdf []byte) (*interfaces.TileRenderResult, error) {
	return s.fn(pdf)
}
