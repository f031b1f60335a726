package workers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/interfaces"
)

// TileClient calls the Tile-Rendering Service, which rasterizes a one-page
// PDF into a deep-zoom tile pyramid plus its descriptor file.
type TileClient struct {
	serviceClient
}

// NewTileClient creates a client for the tile rendering service at baseURL
func NewTileClient(baseURL string, timeout time.Duration, logger arbor.ILogger) *TileClient {
	return &TileClient{
		serviceClient: newServiceClient("tile", baseURL, timeout, logger),
	}
}

var _ interfaces.TileService = (*TileClient)(nil)

// wireAsset is the service's JSON shape for one pyramid file, data base64
// encoded.
type wireAsset struct {
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

type wireTileResult struct {
	Descriptor wireAsset   `json:"descriptor"`
	Tiles      []wireAsset `json:"tiles"`
}

// RenderTiles sends the page PDF and returns the decoded pyramid assets
func (c *TileClient) RenderTiles(ctx context.Context, pdf []byte) (*interfaces.TileRenderResult, error) {
	body, err := c.postPDF(ctx, "/render", pdf, nil)
	if err != nil {
		return nil, err
	}

	var wire wireTileResult
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode tile response: %w", err)
	}

	descriptor, err := decodeAsset(wire.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("invalid descriptor asset: %w", err)
	}

	result := &interfaces.TileRenderResult{
		Descriptor: descriptor,
		Tiles:      make([]interfaces.TileAsset, 0, len(wire.Tiles)),
	}
	for i, t := range wire.Tiles {
		asset, err := decodeAsset(t)
		if err != nil {
			return nil, fmt.Errorf("invalid tile asset %d: %w", i, err)
		}
		result.Tiles = append(result.Tiles, asset)
	}

	c.logger.Debug().
		Int("tile_count", len(result.Tiles)).
		Msg("Tiles rendered")

	return result, nil
}

func decodeAsset(w wireAsset) (interfaces.TileAsset, error) {
	if w.Path == "" {
		return interfaces.TileAsset{}, fmt.Errorf("asset path is empty")
	}
	data, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return interfaces.TileAsset{}, fmt.Errorf("failed to decode asset data: %w", err)
	}
	return interfaces.TileAsset{
		RelativePath: w.Path,
		ContentType:  w.ContentType,
		Data:         data,
	}, nil
}
