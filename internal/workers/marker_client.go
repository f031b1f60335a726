package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/interfaces"
)

// MarkerClient calls the Marker-Detection Service, which finds callout
// references (detail and section markers) on a one-page PDF. The validation
// vocabulary of known sheet names travels with each request so the service
// can flag candidates that reference real sheets.
type MarkerClient struct {
	serviceClient
}

// NewMarkerClient creates a client for the marker detection service at baseURL
func NewMarkerClient(baseURL string, timeout time.Duration, logger arbor.ILogger) *MarkerClient {
	return &MarkerClient{
		serviceClient: newServiceClient("marker", baseURL, timeout, logger),
	}
}

var _ interfaces.MarkerService = (*MarkerClient)(nil)

// DetectMarkers sends the page PDF with the sheet-name vocabulary and returns
// the detected callouts
func (c *MarkerClient) DetectMarkers(ctx context.Context, pdf []byte, validSheetNames []string, sheetNumber int) (*interfaces.MarkerDetectionResult, error) {
	headers := map[string]string{
		"X-Sheet-Number":      strconv.Itoa(sheetNumber),
		"X-Valid-Sheet-Names": strings.Join(validSheetNames, ","),
	}

	body, err := c.postPDF(ctx, "/detect", pdf, headers)
	if err != nil {
		return nil, err
	}

	var result interfaces.MarkerDetectionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode marker response: %w", err)
	}

	c.logger.Debug().
		Int("sheet_number", sheetNumber).
		Int("total_detected", result.TotalDetected).
		Int("processing_time_ms", result.ProcessingTimeMs).
		Msg("Markers detected")

	return &result, nil
}
