// Package catalog fetches monitoring point definitions for infrastructure
// assets from the catalog service.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentryal/insar-pipeline/internal/insar"
)

// ClientConfig controls the catalog HTTP client.
type ClientConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// Client retrieves points over HTTP.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("catalog endpoint is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

type pointsResponse struct {
	Points []insar.Point `json:"points"`
}

// Points returns the monitoring points registered for an asset.
func (c *Client) Points(ctx context.Context, infrastructureID string) ([]insar.Point, error) {
	target := fmt.Sprintf("%s/v1/infrastructure/%s/points", c.endpoint, url.PathEscape(infrastructureID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch points for %s: %w", infrastructureID, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("close catalog response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: infrastructure %s", insar.ErrNotFound, infrastructureID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned %d for %s", resp.StatusCode, infrastructureID)
	}
	var body pointsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode points for %s: %w", infrastructureID, err)
	}
	return body.Points, nil
}
