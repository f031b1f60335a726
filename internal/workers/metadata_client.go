package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/interfaces"
)

// MetadataClient calls the Sheet-Metadata Service, which reads the title
// block of a one-page PDF and returns the sheet identifier.
type MetadataClient struct {
	serviceClient
}

// NewMetadataClient creates a client for the metadata service at baseURL
func NewMetadataClient(baseURL string, timeout time.Duration, logger arbor.ILogger) *MetadataClient {
	return &MetadataClient{
		serviceClient: newServiceClient("metadata", baseURL, timeout, logger),
	}
}

var _ interfaces.MetadataService = (*MetadataClient)(nil)

// ExtractMetadata sends the page PDF and returns the extraction result
func (c *MetadataClient) ExtractMetadata(ctx context.Context, pdf []byte) (*interfaces.SheetMetadataResult, error) {
	body, err := c.postPDF(ctx, "/extract", pdf, nil)
	if err != nil {
		return nil, err
	}

	var result interfaces.SheetMetadataResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode metadata response: %w", err)
	}

	c.logger.Debug().
		Str("sheet_name", result.SheetName).
		Float64("confidence", result.Confidence).
		Str("method", result.Method).
		Msg("Sheet metadata extracted")

	return &result, nil
}
