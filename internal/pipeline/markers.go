package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/common"
	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
	"github.com/Woody88/sitelink-sub001/internal/queue"
)

// MarkerDetector is the stage 3 handler. Runs once per upload after metadata
// completes: for every extracted sheet it calls the marker-detection service,
// resolves each candidate's target sheet reference against the vocabulary of
// known sheet names, and bulk-inserts the markers.
//
// Re-runs are duplicate-free: existing markers for the upload are deleted
// before insertion, so a redelivered MarkerJob converges on the same rows.
type MarkerDetector struct {
	sheets  interfaces.SheetStorage
	markers interfaces.MarkerStorage
	jobs    interfaces.JobStorage
	objects interfaces.ObjectStorage
	service interfaces.MarkerService
	config  *common.PipelineConfig
	logger  arbor.ILogger
}

// NewMarkerDetector creates the marker detection stage handler
func NewMarkerDetector(
	sheets interfaces.SheetStorage,
	markers interfaces.MarkerStorage,
	jobs interfaces.JobStorage,
	objects interfaces.ObjectStorage,
	service interfaces.MarkerService,
	config *common.PipelineConfig,
	logger arbor.ILogger,
) *MarkerDetector {
	return &MarkerDetector{
		sheets:  sheets,
		markers: markers,
		jobs:    jobs,
		objects: objects,
		service: service,
		config:  config,
		logger:  logger,
	}
}

// Handle processes one MarkerJob message
func (d *MarkerDetector) Handle(ctx context.Context, msg *models.QueueMessage) error {
	var job models.MarkerJob
	if err := msg.DecodePayload(&job); err != nil {
		return queue.Permanent(err)
	}

	logger := d.logger.WithCorrelationId(job.UploadID)

	sheets, err := d.sheets.ListSheets(ctx, job.UploadID)
	if err != nil {
		return fmt.Errorf("failed to list sheets: %w", err)
	}

	// Delete-then-insert keeps re-runs duplicate-free
	if err := d.markers.DeleteMarkers(ctx, job.UploadID); err != nil {
		return fmt.Errorf("failed to clear existing markers: %w", err)
	}

	resolver := newSheetResolver(job.ValidSheetNames)

	var batch []*models.Marker
	var detected, failedSheets int

	for _, sheet := range sheets {
		if sheet.MetadataStatus != models.MetadataStatusExtracted {
			continue
		}

		candidates, err := d.detectOnSheet(ctx, sheet, job.ValidSheetNames)
		if err != nil {
			// One undetectable sheet must not sink the rest of the upload
			failedSheets++
			logger.Error().
				Err(err).
				Int("sheet_number", sheet.SheetNumber).
				Msg("Marker detection failed for sheet")
			d.recordSheetError(ctx, job.UploadID, err)
			continue
		}

		for _, c := range candidates {
			marker := d.buildMarker(&job, sheet, c, resolver)
			batch = append(batch, marker)
			detected++

			if len(batch) >= d.config.MarkerBatchSize {
				if err := d.markers.SaveMarkers(ctx, batch); err != nil {
					return fmt.Errorf("failed to save marker batch: %w", err)
				}
				batch = batch[:0]
			}
		}
	}

	if len(batch) > 0 {
		if err := d.markers.SaveMarkers(ctx, batch); err != nil {
			return fmt.Errorf("failed to save marker batch: %w", err)
		}
	}

	logger.Info().
		Int("markers", detected).
		Int("failed_sheets", failedSheets).
		Int("vocabulary_size", len(job.ValidSheetNames)).
		Msg("Marker detection complete")
	return nil
}

func (d *MarkerDetector) detectOnSheet(ctx context.Context, sheet *models.Sheet, vocabulary []string) ([]interfaces.DetectedMarker, error) {
	reader, err := d.objects.Get(ctx, sheet.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page PDF: %w", err)
	}
	pdf, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read page PDF: %w", err)
	}

	result, err := d.service.DetectMarkers(ctx, pdf, vocabulary, sheet.SheetNumber)
	if err != nil {
		return nil, err
	}
	return result.Markers, nil
}

// buildMarker turns one detected candidate into a Marker row: split the raw
// text into detail and target reference, resolve the target against the
// vocabulary, gate low-confidence and unresolved markers into review.
func (d *MarkerDetector) buildMarker(job *models.MarkerJob, sheet *models.Sheet, c interfaces.DetectedMarker, resolver *sheetResolver) *models.Marker {
	detail, targetRef := splitMarkerText(c.Text)

	resolved, fuzzy := resolver.resolve(targetRef)
	isValid := resolved != ""
	if isValid {
		targetRef = resolved
	}

	markerType := "sheet_reference"
	if detail != "" {
		markerType = "detail_callout"
	}

	bbox := models.CenterBBox()
	if c.BBox != nil {
		bbox = *c.BBox
	}

	reviewStatus := models.ReviewStatusConfirmed
	if !isValid || c.Confidence < d.config.ConfidenceThreshold {
		reviewStatus = models.ReviewStatusPending
	}

	return &models.Marker{
		ID:             common.NewMarkerID(),
		UploadID:       job.UploadID,
		PlanID:         job.PlanID,
		SheetNumber:    sheet.SheetNumber,
		MarkerText:     c.Text,
		Detail:         detail,
		TargetSheetRef: targetRef,
		MarkerType:     markerType,
		Confidence:     c.Confidence,
		IsValid:        isValid,
		FuzzyMatched:   fuzzy,
		BBox:           bbox,
		ReviewStatus:   reviewStatus,
		CreatedAt:      time.Now(),
	}
}

func (d *MarkerDetector) recordSheetError(ctx context.Context, uploadID string, cause error) {
	pj, err := d.jobs.GetJobByUpload(ctx, uploadID)
	if err != nil {
		return
	}
	pj.LastError = cause.Error()
	if err := d.jobs.UpdateJob(ctx, pj); err != nil {
		d.logger.Warn().Err(err).Str("upload_id", uploadID).Msg("Failed to record marker error on job")
	}
}

// splitMarkerText splits a raw callout like "3/A7" into detail ("3") and
// target sheet reference ("A7"). Text without a slash is a bare sheet
// reference.
func splitMarkerText(text string) (detail, targetRef string) {
	parts := strings.SplitN(text, "/", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	return "", strings.TrimSpace(text)
}

// sheetResolver matches a detected sheet reference against the vocabulary of
// known sheet names: exact first, then fuzzy on normalized forms (uppercase,
// non-alphanumerics stripped) within Levenshtein distance 1. OCR output
// differs from the printed index mostly by dropped separators ("A-7" vs "A7")
// or a single misread character, which is exactly what this tolerates.
type sheetResolver struct {
	exact      map[string]string
	normalized map[string]string
	names      []string
}

func newSheetResolver(validSheetNames []string) *sheetResolver {
	r := &sheetResolver{
		exact:      make(map[string]string, len(validSheetNames)),
		normalized: make(map[string]string, len(validSheetNames)),
		names:      validSheetNames,
	}
	for _, name := range validSheetNames {
		r.exact[name] = name
		r.normalized[normalizeSheetRef(name)] = name
	}
	return r
}

// resolve returns the canonical sheet name for a detected reference and
// whether fuzzy matching was needed. Empty result means unresolved.
func (r *sheetResolver) resolve(ref string) (string, bool) {
	if ref == "" {
		return "", false
	}
	if name, ok := r.exact[ref]; ok {
		return name, false
	}

	norm := normalizeSheetRef(ref)
	if name, ok := r.normalized[norm]; ok {
		return name, true
	}

	// Scan in vocabulary order so ambiguous references resolve deterministically
	for _, name := range r.names {
		if levenshtein(norm, normalizeSheetRef(name)) <= 1 {
			return name, true
		}
	}
	return "", false
}

func normalizeSheetRef(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// levenshtein computes edit distance with two rolling rows. Sheet references
// are a handful of characters, so the quadratic cost is irrelevant.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
